// Package whisper provides an ASR provider backed by a running whisper-server
// binary (whisper.cpp), which exposes a batch REST API at POST /inference.
//
// Unlike hosted ASR services the server accepts whole audio files per request,
// which matches VoxPersona's windowed batch transcription exactly: every
// window becomes one /inference call.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("ru"))
//	text, err := p.Transcribe(ctx, asr.Window{Data: wav, Format: "wav"})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxpersona/voxpersona/pkg/provider/asr"
)

const (
	// defaultTimeout bounds a single /inference round-trip. Three minutes of
	// audio transcribe in well under a minute on CPU for the base models.
	defaultTimeout = 2 * time.Minute

	inferencePath = "/inference"
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server (e.g.
// "base", "small"). When empty the server uses whichever model it was started
// with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language code sent to the server (e.g. "en", "ru").
// Empty lets the server auto-detect.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements asr.Provider against a whisper-server instance.
// It is safe for concurrent use; the server queues requests internally.
type Provider struct {
	baseURL  string
	model    string
	language string
	client   *http.Client
}

// New constructs a Provider talking to the whisper-server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("whisper: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the JSON body returned by whisper-server.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Transcribe implements asr.Provider by submitting the window as a multipart
// upload to POST /inference.
func (p *Provider) Transcribe(ctx context.Context, w asr.Window) (string, error) {
	if len(w.Data) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	name := "window." + w.Format
	if w.Format == "" {
		name = "window.wav"
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := part.Write(w.Data); err != nil {
		return "", fmt.Errorf("whisper: write audio: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write field: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write field: %w", err)
		}
	}
	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", fmt.Errorf("whisper: write field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: finalize multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+inferencePath, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var ir inferenceResponse
	if err := json.Unmarshal(raw, &ir); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	if ir.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", ir.Error)
	}
	return strings.TrimSpace(ir.Text), nil
}
