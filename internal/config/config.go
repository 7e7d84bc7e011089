// Package config provides the configuration schema and environment loader for
// the LingoCast server.
//
// All behaviour parameters come from LINGOCAST_* environment variables.
// [FromEnv] applies defaults, parses every variable, and validates the result;
// missing identity-provider variables are a hard error so the server fails
// fast at startup.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// LogLevel controls log verbosity for the LingoCast server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the LingoCast server.
type Config struct {
	Server     ServerConfig
	Identity   IdentityConfig
	Persist    PersistConfig
	AudioCache AudioCacheConfig
	TTS        TTSConfig
	Cost       CostConfig
	Limits     LimitsConfig
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the bind address. Defaults to 0.0.0.0.
	Host string

	// Port is the TCP port for both the WebSocket and HTTP surfaces.
	Port int

	// AdvertiseURL is the base URL embedded in audio links. When empty it is
	// derived from Host and Port.
	AdvertiseURL string

	// LogLevel controls verbosity.
	LogLevel LogLevel

	// AuthGrace is how long a fresh connection may remain unauthenticated
	// (admins) or unjoined (listeners) before it is closed.
	AuthGrace time.Duration

	// HeartbeatInterval is the ping cadence on every socket.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for a pong before closing.
	HeartbeatTimeout time.Duration

	// IdleTimeout closes sockets with no frames in either direction.
	IdleTimeout time.Duration

	// DrainPeriod is how long outbound queues are flushed during shutdown.
	DrainPeriod time.Duration

	// OutboundQueueSize is the per-connection outbound queue capacity.
	// A listener whose queue overflows is disconnected.
	OutboundQueueSize int
}

// IdentityConfig holds the Cognito user-pool settings and identity retention.
// Region, UserPoolID, and ClientID are required; the server refuses to start
// without them.
type IdentityConfig struct {
	Region     string
	UserPoolID string
	ClientID   string

	// TokenWarnBefore is how far ahead of access-token expiry the server
	// sends a token-expiry-warning frame to the admin.
	TokenWarnBefore time.Duration

	// Retention is how long an identity with no connection and no owned
	// sessions survives before the background sweep removes it.
	Retention time.Duration
}

// PersistConfig holds the on-disk state directories.
type PersistConfig struct {
	// IdentityDir holds one JSON file per admin identity plus the index.
	IdentityDir string

	// SessionDir holds one JSON file per live session.
	SessionDir string

	// SessionRehydrateWindow bounds which sessions are recovered after a
	// restart: only non-terminal sessions with activity inside the window.
	SessionRehydrateWindow time.Duration

	// SessionDeleteGrace is how long ended sessions linger before deletion.
	SessionDeleteGrace time.Duration
}

// AudioCacheConfig holds the synthesized-audio cache settings.
type AudioCacheConfig struct {
	// Dir is the blob directory.
	Dir string

	// MaxBytes caps the on-disk footprint; least-recently-accessed artifacts
	// are evicted beyond it.
	MaxBytes int64

	// MaxAge is the periodic sweep cutoff for old artifacts.
	MaxAge time.Duration

	// SweepInterval is how often the age sweep runs.
	SweepInterval time.Duration

	// URLTokenTTL is the validity window of signed audio URLs.
	URLTokenTTL time.Duration

	// URLSecret signs audio URL tokens. Defaults to a random per-process
	// secret, which invalidates outstanding URLs across restarts.
	URLSecret []byte

	// RateLimit is the per-client request budget on /audio per minute.
	RateLimit int
}

// TTSConfig holds the synthesis upstream settings.
type TTSConfig struct {
	// Region is the AWS region for the Polly client. Defaults to the
	// identity region.
	Region string

	// VoiceTablePath optionally overrides the built-in (language × mode)
	// voice table with a YAML file.
	VoiceTablePath string

	// SynthTimeout is the per-request deadline on upstream synthesis.
	SynthTimeout time.Duration
}

// CostConfig holds unit prices and the cost alarm settings.
type CostConfig struct {
	// NeuralPerMillionChars is the USD price per million characters of
	// neural synthesis.
	NeuralPerMillionChars float64

	// StandardPerMillionChars is the USD price per million characters of
	// standard synthesis.
	StandardPerMillionChars float64

	// TranslatePerMillionChars is the USD price per million translated
	// characters.
	TranslatePerMillionChars float64

	// AlarmHourlyUSD is the projected-hourly-rate threshold that triggers a
	// warning frame to the admin.
	AlarmHourlyUSD float64

	// AlarmCooldown throttles repeated warnings.
	AlarmCooldown time.Duration
}

// LimitsConfig bounds connection and session fan-out.
type LimitsConfig struct {
	// MaxConnections is the total concurrent WebSocket budget.
	MaxConnections int

	// MaxClientsPerSession bounds listeners per session.
	MaxClientsPerSession int

	// SessionIDPrefix is used when the server mints session IDs.
	SessionIDPrefix string
}

// FromEnv builds a [Config] from LINGOCAST_* environment variables, applying
// defaults and validating the result. All parse and validation failures are
// joined into a single error so the operator sees everything at once.
func FromEnv() (*Config, error) {
	var errs []error

	str := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return def
	}
	num := func(key string, def int) int {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return def
		}
		return n
	}
	num64 := func(key string, def int64) int64 {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return def
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return def
		}
		return n
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 5m)", key, v))
			return def
		}
		return d
	}
	flt := func(key string, def float64) float64 {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number", key, v))
			return def
		}
		return f
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:              str("LINGOCAST_HOST", "0.0.0.0"),
			Port:              num("LINGOCAST_PORT", 8777),
			AdvertiseURL:      str("LINGOCAST_ADVERTISE_URL", ""),
			LogLevel:          LogLevel(str("LINGOCAST_LOG_LEVEL", "info")),
			AuthGrace:         dur("LINGOCAST_AUTH_GRACE", 10*time.Second),
			HeartbeatInterval: dur("LINGOCAST_HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:  dur("LINGOCAST_HEARTBEAT_TIMEOUT", 10*time.Second),
			IdleTimeout:       dur("LINGOCAST_IDLE_TIMEOUT", 5*time.Minute),
			DrainPeriod:       dur("LINGOCAST_DRAIN_PERIOD", 5*time.Second),
			OutboundQueueSize: num("LINGOCAST_OUTBOUND_QUEUE", 64),
		},
		Identity: IdentityConfig{
			Region:          str("LINGOCAST_COGNITO_REGION", ""),
			UserPoolID:      str("LINGOCAST_COGNITO_USER_POOL_ID", ""),
			ClientID:        str("LINGOCAST_COGNITO_CLIENT_ID", ""),
			TokenWarnBefore: dur("LINGOCAST_TOKEN_WARN_BEFORE", 5*time.Minute),
			Retention:       dur("LINGOCAST_IDENTITY_RETENTION", 30*24*time.Hour),
		},
		Persist: PersistConfig{
			IdentityDir:            str("LINGOCAST_IDENTITY_DIR", "data/identities"),
			SessionDir:             str("LINGOCAST_SESSION_DIR", "data/sessions"),
			SessionRehydrateWindow: dur("LINGOCAST_SESSION_REHYDRATE_WINDOW", 2*time.Hour),
			SessionDeleteGrace:     dur("LINGOCAST_SESSION_DELETE_GRACE", 1*time.Hour),
		},
		AudioCache: AudioCacheConfig{
			Dir:           str("LINGOCAST_AUDIO_CACHE_DIR", "data/audiocache"),
			MaxBytes:      num64("LINGOCAST_AUDIO_CACHE_MAX_BYTES", 256<<20),
			MaxAge:        dur("LINGOCAST_AUDIO_CACHE_MAX_AGE", 24*time.Hour),
			SweepInterval: dur("LINGOCAST_AUDIO_CACHE_SWEEP_INTERVAL", 10*time.Minute),
			URLTokenTTL:   dur("LINGOCAST_AUDIO_URL_TTL", 10*time.Minute),
			RateLimit:     num("LINGOCAST_AUDIO_RATE_LIMIT", 120),
		},
		TTS: TTSConfig{
			Region:         str("LINGOCAST_POLLY_REGION", ""),
			VoiceTablePath: str("LINGOCAST_TTS_VOICE_TABLE", ""),
			SynthTimeout:   dur("LINGOCAST_SYNTH_TIMEOUT", 10*time.Second),
		},
		Cost: CostConfig{
			NeuralPerMillionChars:    flt("LINGOCAST_PRICE_NEURAL_PER_MILLION", 16.0),
			StandardPerMillionChars:  flt("LINGOCAST_PRICE_STANDARD_PER_MILLION", 4.0),
			TranslatePerMillionChars: flt("LINGOCAST_PRICE_TRANSLATE_PER_MILLION", 15.0),
			AlarmHourlyUSD:           flt("LINGOCAST_COST_ALARM_HOURLY", 3.0),
			AlarmCooldown:            dur("LINGOCAST_COST_ALARM_COOLDOWN", 10*time.Minute),
		},
		Limits: LimitsConfig{
			MaxConnections:       num("LINGOCAST_MAX_CONNECTIONS", 1000),
			MaxClientsPerSession: num("LINGOCAST_MAX_CLIENTS_PER_SESSION", 200),
			SessionIDPrefix:      str("LINGOCAST_SESSION_PREFIX", "CAST"),
		},
	}

	if secret := str("LINGOCAST_AUDIO_URL_SECRET", ""); secret != "" {
		cfg.AudioCache.URLSecret = []byte(secret)
	} else {
		cfg.AudioCache.URLSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.AudioCache.URLSecret); err != nil {
			errs = append(errs, fmt.Errorf("generate audio URL secret: %w", err))
		}
	}

	if cfg.TTS.Region == "" {
		cfg.TTS.Region = cfg.Identity.Region
	}

	errs = append(errs, validate(cfg)...)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// validate checks that cfg contains a coherent set of values and returns one
// error per problem found.
func validate(cfg *Config) []error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LINGOCAST_LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("LINGOCAST_PORT %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.OutboundQueueSize < 1 {
		errs = append(errs, fmt.Errorf("LINGOCAST_OUTBOUND_QUEUE must be at least 1"))
	}

	// The identity provider settings have no defaults; refuse to start
	// without them rather than failing on the first sign-in.
	if cfg.Identity.Region == "" {
		errs = append(errs, fmt.Errorf("LINGOCAST_COGNITO_REGION is required"))
	}
	if cfg.Identity.UserPoolID == "" {
		errs = append(errs, fmt.Errorf("LINGOCAST_COGNITO_USER_POOL_ID is required"))
	}
	if cfg.Identity.ClientID == "" {
		errs = append(errs, fmt.Errorf("LINGOCAST_COGNITO_CLIENT_ID is required"))
	}

	if cfg.AudioCache.MaxBytes < 1<<20 {
		errs = append(errs, fmt.Errorf("LINGOCAST_AUDIO_CACHE_MAX_BYTES must be at least 1 MiB"))
	}
	if cfg.Cost.AlarmHourlyUSD <= 0 {
		errs = append(errs, fmt.Errorf("LINGOCAST_COST_ALARM_HOURLY must be positive"))
	}
	if cfg.Limits.MaxClientsPerSession < 1 {
		errs = append(errs, fmt.Errorf("LINGOCAST_MAX_CLIENTS_PER_SESSION must be at least 1"))
	}
	if cfg.Limits.SessionIDPrefix == "" {
		errs = append(errs, fmt.Errorf("LINGOCAST_SESSION_PREFIX must not be empty"))
	} else {
		for _, r := range cfg.Limits.SessionIDPrefix {
			if r < 'A' || r > 'Z' {
				errs = append(errs, fmt.Errorf("LINGOCAST_SESSION_PREFIX %q must be uppercase letters only", cfg.Limits.SessionIDPrefix))
				break
			}
		}
	}
	return errs
}

// ListenAddr returns the host:port bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL returns the advertised base URL for audio links.
func (c *Config) BaseURL() string {
	if c.Server.AdvertiseURL != "" {
		return c.Server.AdvertiseURL
	}
	host := c.Server.Host
	if host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}
