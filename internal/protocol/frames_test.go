package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lingocast/lingocast/internal/apperr"
	"github.com/lingocast/lingocast/pkg/types"
)

func TestParseAdminAuthCredentials(t *testing.T) {
	raw := []byte(`{"type":"admin-auth","method":"credentials","username":"alice","password":"secret"}`)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	auth, ok := f.(AdminAuth)
	if !ok {
		t.Fatalf("expected AdminAuth, got %T", f)
	}
	if auth.Username != "alice" || auth.Password != "secret" {
		t.Errorf("unexpected credentials: %+v", auth)
	}
}

func TestParseAdminAuthMissingPassword(t *testing.T) {
	raw := []byte(`{"type":"admin-auth","method":"credentials","username":"alice"}`)
	_, err := Parse(raw)
	if apperr.CodeOf(err) != apperr.CodeMissingField {
		t.Errorf("expected %s, got %v", apperr.CodeMissingField, err)
	}
}

func TestParseAdminAuthRefreshRequiresToken(t *testing.T) {
	raw := []byte(`{"type":"admin-auth","method":"refresh"}`)
	_, err := Parse(raw)
	if apperr.CodeOf(err) != apperr.CodeMissingField {
		t.Errorf("expected %s, got %v", apperr.CodeMissingField, err)
	}

	raw = []byte(`{"type":"admin-auth","method":"refresh","refreshToken":"rt-1"}`)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if auth := f.(AdminAuth); auth.RefreshToken != "rt-1" {
		t.Errorf("unexpected refresh token %q", auth.RefreshToken)
	}
}

func TestEncodeCostAlert(t *testing.T) {
	data, err := Encode(CostAlert{
		Type:               TypeCostAlert,
		SessionID:          "CHURCH-2025-001",
		ProjectedHourlyUSD: 4.25,
		ThresholdUSD:       3,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["type"] != string(TypeCostAlert) || got["projectedHourlyUSD"] != 4.25 {
		t.Errorf("unexpected wire form: %s", data)
	}
}

func TestParseStartSession(t *testing.T) {
	raw := []byte(`{
		"type": "start-session",
		"sessionId": "CHURCH-2025-001",
		"config": {"targetLanguages": ["en", "es"], "ttsMode": "disabled"}
	}`)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	start := f.(StartSession)
	if start.SessionID != "CHURCH-2025-001" {
		t.Errorf("unexpected session id %q", start.SessionID)
	}
	if len(start.Config.TargetLanguages) != 2 {
		t.Errorf("expected 2 target languages, got %d", len(start.Config.TargetLanguages))
	}
	if start.Config.TTSMode != types.TTSDisabled {
		t.Errorf("expected disabled ttsMode, got %q", start.Config.TTSMode)
	}
}

func TestParseStartSessionBadID(t *testing.T) {
	tests := []string{
		"church-2025-001", // lowercase prefix
		"CHURCH-25-001",   // two-digit year
		"CHURCH-2025-1",   // short counter
		"CHURCH-2025-0001",
		"2025-001",
	}
	for _, id := range tests {
		raw, _ := json.Marshal(StartSession{
			Type:      TypeStartSession,
			SessionID: id,
			Config:    types.SessionConfig{TargetLanguages: []types.Language{types.LanguageEN}, TTSMode: types.TTSDisabled},
		})
		_, err := Parse(raw)
		if apperr.CodeOf(err) != apperr.CodeBadSessionID {
			t.Errorf("id %q: expected %s, got %v", id, apperr.CodeBadSessionID, err)
		}
	}
}

func TestParseStartSessionInvalidConfig(t *testing.T) {
	raw := []byte(`{"type":"start-session","config":{"targetLanguages":["xx"],"ttsMode":"neural"}}`)
	_, err := Parse(raw)
	if apperr.CodeOf(err) != apperr.CodeInvalidConfig {
		t.Errorf("expected %s, got %v", apperr.CodeInvalidConfig, err)
	}
}

func TestParseTranslation(t *testing.T) {
	raw := []byte(`{"type":"translation","sessionId":"CHURCH-2025-001","language":"en","text":"Hello","sequenceNumber":7}`)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr := f.(Translation)
	if tr.Text != "Hello" || tr.Language != types.LanguageEN || tr.SequenceNumber != 7 {
		t.Errorf("unexpected translation frame: %+v", tr)
	}
}

func TestParseJoinSessionUnsupportedLanguage(t *testing.T) {
	raw := []byte(`{"type":"join-session","sessionId":"CHURCH-2025-001","preferredLanguage":"pt"}`)
	_, err := Parse(raw)
	if apperr.CodeOf(err) != apperr.CodeUnsupportedLanguage {
		t.Errorf("expected %s, got %v", apperr.CodeUnsupportedLanguage, err)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"subscribe-firehose"}`))
	if apperr.CodeOf(err) != apperr.CodeMalformedFrame {
		t.Errorf("expected %s, got %v", apperr.CodeMalformedFrame, err)
	}
}

func TestParseMissingType(t *testing.T) {
	_, err := Parse([]byte(`{"sessionId":"CHURCH-2025-001"}`))
	if apperr.CodeOf(err) != apperr.CodeMissingField {
		t.Errorf("expected %s, got %v", apperr.CodeMissingField, err)
	}
}

func TestParseNotJSON(t *testing.T) {
	_, err := Parse([]byte(`not json at all`))
	if apperr.CodeOf(err) != apperr.CodeMalformedFrame {
		t.Errorf("expected %s, got %v", apperr.CodeMalformedFrame, err)
	}
}

func TestEncodeTranslationBroadcast(t *testing.T) {
	f := TranslationBroadcast{
		Type:      TypeTranslation,
		SessionID: "CHURCH-2025-001",
		Language:  types.LanguageES,
		Text:      "Hola",
		AudioURL:  "http://10.0.0.2:8777/audio/abc.mp3?token=x",
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "translation" {
		t.Errorf("expected type tag 'translation', got %v", m["type"])
	}
	if _, present := m["useLocalTTS"]; present {
		t.Error("useLocalTTS should be omitted when false")
	}
}

func TestEncodeErrorFrameFromTaxonomy(t *testing.T) {
	err := apperr.New(apperr.CodeNotOwner, "admin abc is not owner of CHURCH-2025-001")
	frame := NewErrorFrame(err)

	if frame.Code != "authz/not-owner" {
		t.Errorf("unexpected code %q", frame.Code)
	}
	// Internal message must not leak to the wire.
	if frame.Message == err.Error() {
		t.Error("error frame must carry the user-facing message, not the internal one")
	}
	if frame.Retryable {
		t.Error("authorization errors are not retryable")
	}
}

func TestNewErrorFrameUnclassified(t *testing.T) {
	frame := NewErrorFrame(errors.New("boom"))
	if frame.Code != string(apperr.CodeInternal) {
		t.Errorf("unclassified error should surface as %s, got %s", apperr.CodeInternal, frame.Code)
	}
}

func TestParsePauseResumeRequireSessionID(t *testing.T) {
	for _, typ := range []string{"pause-session", "resume-session"} {
		_, err := Parse([]byte(`{"type":"` + typ + `"}`))
		if apperr.CodeOf(err) != apperr.CodeMissingField {
			t.Errorf("%s without sessionId: expected %s, got %v", typ, apperr.CodeMissingField, err)
		}
	}

	f, err := Parse([]byte(`{"type":"pause-session","sessionId":"CHURCH-2025-001"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p, ok := f.(PauseSession)
	if !ok {
		t.Fatalf("expected PauseSession, got %T", f)
	}
	if p.SessionID != "CHURCH-2025-001" {
		t.Errorf("unexpected session ID %q", p.SessionID)
	}
}
