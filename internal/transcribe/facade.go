// Package transcribe converts uploaded audio into labelled dialogue text.
//
// Audio is fetched from a [BlobStore], sliced into fixed windows, and sent
// window by window to the ASR provider; window transcripts join with single
// spaces. Interview recordings then pass through the stored role-assignment
// prompt, producing dialogue lines prefixed with "[Client:]" or
// "[Employee:]". Transcription is idempotent per source name: a source seen
// before reuses its stored transcript without touching the ASR provider.
package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpersona/voxpersona/internal/chain"
	"github.com/voxpersona/voxpersona/internal/config"
	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/observe"
	"github.com/voxpersona/voxpersona/internal/promptstore"
	"github.com/voxpersona/voxpersona/pkg/provider/asr"
)

// defaultBytesPerSecond converts the window duration into a byte count,
// assuming 16 kHz 16-bit mono PCM. Compressed uploads transcode to this
// before storage.
const defaultBytesPerSecond = 32_000

// Mode selects the labelling behaviour.
type Mode int

const (
	// ModeInterview runs role assignment over the transcript.
	ModeInterview Mode = iota

	// ModeDesign skips role assignment; design audits are monologues.
	ModeDesign
)

// String returns the lowercase name of the mode.
func (m Mode) String() string {
	if m == ModeDesign {
		return "design"
	}
	return "interview"
}

// Result is the outcome of one transcription.
type Result struct {
	// TranscriptionID is the stored row id.
	TranscriptionID int64

	// Text is the final (labelled) transcript.
	Text string

	// Reused reports that a prior transcription for the same source was
	// returned without re-running ASR.
	Reused bool
}

// Repo is the slice of the audit repository the facade needs.
// *repository.Repository satisfies it.
type Repo interface {
	LookupTranscription(ctx context.Context, sourceName string) (int64, string, bool, error)
	UpsertTranscription(ctx context.Context, sourceName, text string) (int64, error)
}

// Facade ties blob storage, ASR, and role assignment together. It is
// stateless and safe for concurrent use.
type Facade struct {
	blobs   BlobStore
	asr     asr.Provider
	repo    Repo
	prompts promptstore.Store
	exec    *chain.Executor

	window         time.Duration
	bytesPerSecond int
	metrics        *observe.Metrics
}

// Option configures a Facade during construction.
type Option func(*Facade)

// WithWindow sets the audio window per ASR request. Default 3 minutes.
func WithWindow(d time.Duration) Option {
	return func(f *Facade) { f.window = d }
}

// WithBytesPerSecond sets the audio byte rate used to slice windows.
func WithBytesPerSecond(n int) Option {
	return func(f *Facade) { f.bytesPerSecond = n }
}

// WithMetrics replaces the metrics sink. Default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// New constructs a Facade.
func New(blobs BlobStore, provider asr.Provider, repo Repo, prompts promptstore.Store, exec *chain.Executor, opts ...Option) *Facade {
	f := &Facade{
		blobs:          blobs,
		asr:            provider,
		repo:           repo,
		prompts:        prompts,
		exec:           exec,
		window:         config.DefaultASRWindow,
		bytesPerSecond: defaultBytesPerSecond,
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// TranscribeAndLabel produces the labelled transcript for the blob stored
// under sourceName. An empty ASR result surfaces [fault.InvalidInput].
func (f *Facade) TranscribeAndLabel(ctx context.Context, sourceName string, mode Mode) (Result, error) {
	if id, text, ok, err := f.repo.LookupTranscription(ctx, sourceName); err != nil {
		return Result{}, err
	} else if ok {
		return Result{TranscriptionID: id, Text: text, Reused: true}, nil
	}

	data, err := f.blobs.Get(ctx, sourceName)
	if err != nil {
		return Result{}, err
	}

	transcript, err := f.transcribeWindows(ctx, sourceName, data)
	if err != nil {
		return Result{}, err
	}
	if transcript == "" {
		return Result{}, fault.Newf(fault.KindInvalidInput, "transcribe: empty transcript for %q", sourceName)
	}

	if mode == ModeInterview {
		stage, err := f.prompts.ResolveNamed(ctx, promptstore.NameAssignRoles)
		if err != nil {
			return Result{}, err
		}
		transcript, err = f.exec.RunSingle(ctx, stage, transcript)
		if err != nil {
			return Result{}, err
		}
	}

	id, err := f.repo.UpsertTranscription(ctx, sourceName, transcript)
	if err != nil {
		return Result{}, err
	}
	return Result{TranscriptionID: id, Text: transcript}, nil
}

// transcribeWindows slices data into fixed windows, transcribes each one,
// and joins the window transcripts with single spaces.
func (f *Facade) transcribeWindows(ctx context.Context, sourceName string, data []byte) (string, error) {
	windowBytes := int(f.window.Seconds()) * f.bytesPerSecond
	if windowBytes <= 0 {
		windowBytes = len(data)
	}
	format := strings.TrimPrefix(filepath.Ext(sourceName), ".")

	var parts []string
	for start := 0; start < len(data); start += windowBytes {
		end := min(start+windowBytes, len(data))

		wStart := time.Now()
		text, err := f.asr.Transcribe(ctx, asr.Window{Data: data[start:end], Format: format})
		if err != nil {
			return "", fmt.Errorf("transcribe: window at byte %d of %q: %w", start, sourceName, err)
		}
		f.metrics.ASRDuration.Record(ctx, time.Since(wStart).Seconds(),
			metric.WithAttributes(attribute.String("format", format)))

		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
