// Package mock provides a test double for the asr.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxpersona/voxpersona/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Window is the audio window passed to Transcribe.
	Window asr.Window
}

// Provider is a mock implementation of asr.Provider.
// Zero values cause Transcribe to return "" and nil error.
type Provider struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// TranscribeFunc, when set, computes the transcript from the window.
	// Takes precedence over Texts and Text.
	TranscribeFunc func(w asr.Window) (string, error)

	// Texts is a script of transcripts returned by successive calls. When
	// exhausted the last entry repeats.
	Texts []string

	// Text is the transcript for every call when neither TranscribeFunc nor
	// Texts is set.
	Text string

	// Err, if non-nil, is returned by every call.
	Err error

	// --- Call records (read after test) ---

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Transcribe records the call and returns the scripted transcript.
func (p *Provider) Transcribe(_ context.Context, w asr.Window) (string, error) {
	p.mu.Lock()
	n := len(p.TranscribeCalls)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Window: w})
	fn := p.TranscribeFunc
	err := p.Err
	p.mu.Unlock()

	if err != nil {
		return "", err
	}
	if fn != nil {
		return fn(w)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Texts) > 0 {
		if n >= len(p.Texts) {
			n = len(p.Texts) - 1
		}
		return p.Texts[n], nil
	}
	return p.Text, nil
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}
