// Package mock provides a test double for the synth.Provider interface.
//
// Use Provider to script synthesis outcomes and to verify which texts and
// voices the pipeline sends upstream.
package mock

import (
	"context"
	"sync"

	"github.com/lingocast/lingocast/pkg/provider/synth"
)

// Provider is a mock implementation of synth.Provider.
//
// The zero value returns a deterministic blob derived from the request text;
// set Err or Script to shape other outcomes.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Err, if non-nil, is returned from every Synthesize call.
	Err error

	// Script, if non-nil, computes the response per call and wins over Err.
	Script func(req synth.Request) (*synth.Result, error)

	// Delay, if non-nil, is waited on before responding, so tests can hold a
	// request in flight. Closed channels release immediately.
	Delay chan struct{}

	// --- Call records ---

	Calls []synth.Request
}

// Compile-time interface assertion.
var _ synth.Provider = (*Provider)(nil)

// Synthesize records the call and returns the scripted result.
func (p *Provider) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	script, err, delay := p.Script, p.Err, p.Delay
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if script != nil {
		return script(req)
	}
	if err != nil {
		return nil, err
	}
	return &synth.Result{
		Audio:      []byte("audio:" + req.Voice + ":" + req.Text),
		MIME:       "audio/mpeg",
		Characters: len([]rune(req.Text)),
	}, nil
}

// CallCount reports how many synthesis requests were made. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
