// Package tts resolves translations into audio, applying the fallback chain.
//
// For paid modes the pipeline fingerprints the request, consults the audio
// cache, coalesces duplicate in-flight syntheses, and calls the upstream
// behind a circuit breaker. Any upstream failure degrades the resolution to
// on-device synthesis rather than failing the broadcast; the further
// degradation to text-only happens per listener, based on device
// capabilities.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/cost"
	"github.com/lingocast/lingocast/internal/resilience"
	"github.com/lingocast/lingocast/pkg/provider/synth"
	"github.com/lingocast/lingocast/pkg/types"
)

// Request asks for one translation to be resolved into audio.
type Request struct {
	Text     string
	Language types.Language
	Mode     types.TTSMode
	Quality  types.AudioQuality
}

// Resolution is the outcome of the fallback chain.
type Resolution struct {
	// Fingerprint identifies the audio artifact. Empty for non-paid modes.
	Fingerprint string

	// AudioPath is the signed local URL path of the cached blob. Empty when
	// no server-side audio is available.
	AudioPath string

	// MIME is the blob's content type, when AudioPath is set.
	MIME string

	// UseLocalSynthesis tells capable listeners to synthesise on-device.
	UseLocalSynthesis bool

	// Degraded reports that a paid mode fell back to local synthesis.
	Degraded bool
}

// Recorder receives billable usage events. *cost.Tracker implements it.
type Recorder interface {
	Record(svc cost.Service, units int64)
}

// Config parameterizes a [Pipeline].
type Config struct {
	// Voices is the (language × mode) voice table.
	Voices VoiceTable

	// SynthTimeout is the per-request deadline on upstream synthesis.
	SynthTimeout time.Duration

	// Breaker guards the upstream. Optional; nil disables breaking.
	Breaker *resilience.Breaker
}

// Pipeline is the TTS resolution pipeline. Safe for concurrent use.
type Pipeline struct {
	provider synth.Provider
	cache    *audiocache.Cache
	cfg      Config
	logger   *slog.Logger

	// inflight coalesces concurrent syntheses of the same fingerprint so the
	// paid upstream sees at most one call per artifact.
	inflight singleflight.Group
}

// New creates a Pipeline.
func New(provider synth.Provider, cache *audiocache.Cache, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Voices == nil {
		cfg.Voices = DefaultVoices()
	}
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = 10 * time.Second
	}
	return &Pipeline{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Resolve runs the fallback chain for one translation. It never returns an
// error: failures degrade the resolution instead, because a broadcast must
// not be blocked by the audio path. Billable usage is reported to rec.
func (p *Pipeline) Resolve(ctx context.Context, req Request, rec Recorder) Resolution {
	switch req.Mode {
	case types.TTSDisabled:
		return Resolution{}
	case types.TTSLocal:
		return Resolution{UseLocalSynthesis: true}
	}

	voice, ok := p.cfg.Voices.Voice(req.Language, req.Mode)
	if !ok {
		p.logger.Warn("no voice configured, degrading to local synthesis",
			"language", req.Language, "mode", req.Mode)
		return Resolution{UseLocalSynthesis: true, Degraded: true}
	}

	fp := Fingerprint(req.Text, req.Language, voice, req.Mode)
	if art, hit := p.cache.Get(fp); hit {
		return p.resolved(fp, art)
	}

	art, err := p.synthesize(ctx, fp, voice, req, rec)
	if err != nil {
		p.logger.Warn("synthesis failed, degrading to local synthesis",
			"language", req.Language, "mode", req.Mode, "error", err)
		return Resolution{Fingerprint: fp, UseLocalSynthesis: true, Degraded: true}
	}
	return p.resolved(fp, art)
}

func (p *Pipeline) resolved(fp string, art *audiocache.Artifact) Resolution {
	return Resolution{
		Fingerprint: fp,
		AudioPath:   p.cache.SignedPath(fp),
		MIME:        art.MIME,
	}
}

// synthesize calls the upstream once per fingerprint, no matter how many
// concurrent broadcasts ask for it.
func (p *Pipeline) synthesize(ctx context.Context, fp, voice string, req Request, rec Recorder) (*audiocache.Artifact, error) {
	v, err, _ := p.inflight.Do(fp, func() (any, error) {
		// A request that waited on the in-flight map may find the blob cached
		// by the time it gets here.
		if art, hit := p.cache.Get(fp); hit {
			return art, nil
		}

		var res *synth.Result
		call := func() error {
			sctx, cancel := context.WithTimeout(ctx, p.cfg.SynthTimeout)
			defer cancel()
			var serr error
			res, serr = p.provider.Synthesize(sctx, synth.Request{
				Text:     req.Text,
				Language: req.Language,
				Voice:    voice,
				Engine:   req.Mode,
				Quality:  req.Quality,
			})
			return serr
		}
		if p.cfg.Breaker != nil {
			err := p.cfg.Breaker.Do(call)
			if errors.Is(err, resilience.ErrOpen) {
				return nil, fmt.Errorf("tts: upstream skipped: %w", err)
			}
			if err != nil {
				return nil, err
			}
		} else if err := call(); err != nil {
			return nil, err
		}

		if rec != nil {
			rec.Record(serviceFor(req.Mode), int64(res.Characters))
		}
		art, err := p.cache.Put(fp, res.MIME, 0, res.Audio)
		if err != nil {
			return nil, err
		}
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*audiocache.Artifact), nil
}

func serviceFor(mode types.TTSMode) cost.Service {
	if mode == types.TTSStandard {
		return cost.ServiceStandardTTS
	}
	return cost.ServiceNeuralTTS
}

// Fingerprint computes the content address of a synthesis:
// H(text ‖ language ‖ voice ‖ mode), hex encoded.
func Fingerprint(text string, lang types.Language, voice string, mode types.TTSMode) string {
	h := sha256.New()
	for _, part := range []string{text, string(lang), voice, string(mode)} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
