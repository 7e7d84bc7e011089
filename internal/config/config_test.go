package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired sets the identity-provider variables every test needs.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("LINGOCAST_COGNITO_REGION", "eu-central-1")
	t.Setenv("LINGOCAST_COGNITO_USER_POOL_ID", "eu-central-1_AbCdEfGhI")
	t.Setenv("LINGOCAST_COGNITO_CLIENT_ID", "1h57kf5cpq17m0eml12EXAMPLE")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.Port != 8777 {
		t.Errorf("default port = %d, want 8777", cfg.Server.Port)
	}
	if cfg.Server.AuthGrace != 10*time.Second {
		t.Errorf("default auth grace = %v, want 10s", cfg.Server.AuthGrace)
	}
	if cfg.AudioCache.MaxBytes != 256<<20 {
		t.Errorf("default cache cap = %d, want 256 MiB", cfg.AudioCache.MaxBytes)
	}
	if cfg.Cost.AlarmHourlyUSD != 3.0 {
		t.Errorf("default cost alarm = %v, want 3.0", cfg.Cost.AlarmHourlyUSD)
	}
	if len(cfg.AudioCache.URLSecret) == 0 {
		t.Error("URL secret should default to a random value")
	}
	if cfg.TTS.Region != "eu-central-1" {
		t.Errorf("TTS region should default to the identity region, got %q", cfg.TTS.Region)
	}
}

func TestFromEnvMissingIdentityProvider(t *testing.T) {
	// No Cognito variables set at all.
	t.Setenv("LINGOCAST_COGNITO_REGION", "")
	t.Setenv("LINGOCAST_COGNITO_USER_POOL_ID", "")
	t.Setenv("LINGOCAST_COGNITO_CLIENT_ID", "")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected an error when identity provider variables are missing")
	}
	for _, want := range []string{"LINGOCAST_COGNITO_REGION", "LINGOCAST_COGNITO_USER_POOL_ID", "LINGOCAST_COGNITO_CLIENT_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should name %s, got: %v", want, err)
		}
	}
}

func TestFromEnvJoinsAllFailures(t *testing.T) {
	setRequired(t)
	t.Setenv("LINGOCAST_PORT", "not-a-port")
	t.Setenv("LINGOCAST_AUTH_GRACE", "soon")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "LINGOCAST_PORT") || !strings.Contains(msg, "LINGOCAST_AUTH_GRACE") {
		t.Errorf("all failures should be reported at once, got: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LINGOCAST_PORT", "9000")
	t.Setenv("LINGOCAST_SESSION_PREFIX", "CHURCH")
	t.Setenv("LINGOCAST_AUDIO_URL_SECRET", "fixed-secret-for-tests")
	t.Setenv("LINGOCAST_POLLY_REGION", "us-east-1")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Limits.SessionIDPrefix != "CHURCH" {
		t.Errorf("prefix = %q, want CHURCH", cfg.Limits.SessionIDPrefix)
	}
	if string(cfg.AudioCache.URLSecret) != "fixed-secret-for-tests" {
		t.Error("explicit URL secret should be used verbatim")
	}
	if cfg.TTS.Region != "us-east-1" {
		t.Errorf("explicit polly region should win, got %q", cfg.TTS.Region)
	}
}

func TestFromEnvRejectsLowercasePrefix(t *testing.T) {
	setRequired(t)
	t.Setenv("LINGOCAST_SESSION_PREFIX", "church")

	if _, err := FromEnv(); err == nil {
		t.Error("lowercase session prefix should be rejected")
	}
}

func TestBaseURL(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 8777}}
	if got := cfg.BaseURL(); got != "http://localhost:8777" {
		t.Errorf("BaseURL = %q", got)
	}

	cfg.Server.AdvertiseURL = "http://10.0.0.5:8777"
	if got := cfg.BaseURL(); got != "http://10.0.0.5:8777" {
		t.Errorf("BaseURL with advertise = %q", got)
	}
}
