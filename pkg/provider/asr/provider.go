// Package asr defines the Provider interface for Automatic Speech Recognition
// backends.
//
// VoxPersona transcribes batch recordings rather than live streams: the
// transcriber facade slices an uploaded recording into fixed-duration windows
// and submits each window as one Transcribe call. Providers therefore expose a
// single blocking batch operation and do not need partial-result channels.
//
// Implementations must be safe for concurrent use; the facade may transcribe
// windows of different recordings in parallel.
package asr

import "context"

// Window is a single slice of an uploaded recording, already encoded in a
// container the provider accepts (WAV, OGG, MP3, …).
type Window struct {
	// Data is the encoded audio bytes of this window.
	Data []byte

	// Format is the lowercase container/extension hint (e.g. "ogg", "wav").
	// Providers that sniff the container may ignore it.
	Format string
}

// Provider is the abstraction over any batch ASR backend.
type Provider interface {
	// Transcribe converts one audio window to plain text. The result carries
	// no speaker labels; role assignment happens downstream. An empty string
	// with a nil error is a valid result for a silent window.
	Transcribe(ctx context.Context, w Window) (string, error)
}
