// Package synth defines the Provider interface for paid speech-synthesis
// upstreams.
//
// A provider turns one translation into an audio blob. Implementations must
// be safe for concurrent use; the caller deduplicates identical in-flight
// requests and enforces deadlines through the context.
package synth

import (
	"context"
	"errors"

	"github.com/lingocast/lingocast/pkg/types"
)

// Enumerated failure kinds. Any of these advances the caller's fallback
// chain; they differ only in what gets logged and counted.
var (
	// ErrUnavailable means the upstream could not be reached or failed
	// internally.
	ErrUnavailable = errors.New("synth: upstream unavailable")

	// ErrThrottled means the upstream rejected the request for rate or quota
	// reasons.
	ErrThrottled = errors.New("synth: request throttled")

	// ErrTextTooLong means the text exceeds the upstream's per-request limit.
	ErrTextTooLong = errors.New("synth: text too long")

	// ErrBadVoice means the voice is not usable with the requested engine.
	ErrBadVoice = errors.New("synth: voice not available for engine")
)

// Request is one synthesis job.
type Request struct {
	// Text is the translated text to speak.
	Text string

	// Language is the target language, used for pronunciation hints.
	Language types.Language

	// Voice is the upstream voice identifier, chosen from the voice table.
	Voice string

	// Engine selects the paid engine tier. Must be TTSNeural or TTSStandard.
	Engine types.TTSMode

	// Quality selects the output sample rate tier.
	Quality types.AudioQuality
}

// Result is the synthesized audio.
type Result struct {
	// Audio is the encoded blob.
	Audio []byte

	// MIME is the blob's content type.
	MIME string

	// Characters is the billable character count reported by the upstream.
	Characters int
}

// Provider is the abstraction over any paid synthesis upstream.
type Provider interface {
	// Synthesize speaks the request's text and returns the audio blob. The
	// context carries the per-request deadline.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
