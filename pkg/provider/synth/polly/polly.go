// Package polly provides an AWS Polly-backed synthesis provider. It
// implements the synth.Provider interface.
//
// The neural and standard TTS modes map directly onto Polly's engine tiers;
// output is always MP3, with the sample rate chosen by the audio quality
// tier.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awspolly "github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"

	"github.com/lingocast/lingocast/pkg/provider/synth"
	"github.com/lingocast/lingocast/pkg/types"
)

// maxAudioBytes bounds how much audio one request may return.
const maxAudioBytes = 16 << 20

// api is the subset of the Polly client the provider uses. Narrowed for
// testability.
type api interface {
	SynthesizeSpeech(ctx context.Context, params *awspolly.SynthesizeSpeechInput, optFns ...func(*awspolly.Options)) (*awspolly.SynthesizeSpeechOutput, error)
}

// Option is a functional option for configuring the Polly Provider.
type Option func(*Provider)

// WithClient overrides the Polly API client. Used in tests.
func WithClient(c api) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements synth.Provider backed by AWS Polly.
type Provider struct {
	client api
}

// Compile-time interface assertion.
var _ synth.Provider = (*Provider)(nil)

// New creates a Polly Provider for the given region.
func New(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		if region == "" {
			return nil, errors.New("polly: region must not be empty")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("polly: load aws config: %w", err)
		}
		p.client = awspolly.NewFromConfig(awsCfg)
	}
	return p, nil
}

// Synthesize implements synth.Provider.
func (p *Provider) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	engine, err := engineFor(req.Engine)
	if err != nil {
		return nil, err
	}
	if req.Voice == "" {
		return nil, fmt.Errorf("polly: empty voice: %w", synth.ErrBadVoice)
	}

	out, err := p.client.SynthesizeSpeech(ctx, &awspolly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		SampleRate:   aws.String(sampleRateFor(req.Quality)),
		Text:         aws.String(req.Text),
		VoiceId:      pollytypes.VoiceId(req.Voice),
	})
	if err != nil {
		return nil, mapError(err)
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(io.LimitReader(out.AudioStream, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("polly: read audio stream: %v: %w", err, synth.ErrUnavailable)
	}

	chars := int(out.RequestCharacters)
	if chars == 0 {
		chars = len([]rune(req.Text))
	}
	return &synth.Result{
		Audio:      audio,
		MIME:       "audio/mpeg",
		Characters: chars,
	}, nil
}

func engineFor(mode types.TTSMode) (pollytypes.Engine, error) {
	switch mode {
	case types.TTSNeural:
		return pollytypes.EngineNeural, nil
	case types.TTSStandard:
		return pollytypes.EngineStandard, nil
	default:
		return "", fmt.Errorf("polly: mode %q has no upstream engine: %w", mode, synth.ErrBadVoice)
	}
}

// sampleRateFor maps the quality tier to Polly's supported MP3 sample rates.
func sampleRateFor(q types.AudioQuality) string {
	switch q {
	case types.QualityLow:
		return "8000"
	case types.QualityMedium:
		return "16000"
	default:
		return "24000"
	}
}

// mapError translates the Polly error surface onto the synth sentinels.
func mapError(err error) error {
	var tooLong *pollytypes.TextLengthExceededException
	var badVoice *pollytypes.InvalidSampleRateException
	var svcFail *pollytypes.ServiceFailureException
	var engineErr *pollytypes.EngineNotSupportedException

	switch {
	case errors.As(err, &tooLong):
		return fmt.Errorf("polly: %v: %w", err, synth.ErrTextTooLong)
	case errors.As(err, &engineErr):
		return fmt.Errorf("polly: %v: %w", err, synth.ErrBadVoice)
	case errors.As(err, &badVoice):
		return fmt.Errorf("polly: %v: %w", err, synth.ErrBadVoice)
	case errors.As(err, &svcFail):
		return fmt.Errorf("polly: %v: %w", err, synth.ErrUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("polly: deadline: %w", synth.ErrUnavailable)
	default:
		return fmt.Errorf("polly: %v: %w", err, synth.ErrUnavailable)
	}
}
