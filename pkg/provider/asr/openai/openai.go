// Package openai provides an ASR provider backed by the OpenAI audio
// transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxpersona/voxpersona/pkg/provider/asr"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to point at an
// OpenAI-compatible transcription gateway.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the ISO-639-1 language hint sent with every request.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements asr.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// New constructs an OpenAI ASR Provider. If model is empty, DefaultModel
// (whisper-1) is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai asr: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, w asr.Window) (string, error) {
	if len(w.Data) == 0 {
		return "", nil
	}

	name := "window." + w.Format
	if w.Format == "" {
		name = "window.wav"
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(w.Data), name, "application/octet-stream"),
		Model: p.model,
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai asr: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
