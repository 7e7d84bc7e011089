// Package protocol defines the WebSocket frame envelope and every frame type
// the LingoCast server sends or accepts.
//
// Every frame on the wire is a JSON object with a "type" field. [Parse]
// decodes an inbound frame against this tagged union and rejects anything
// unrecognised or structurally invalid; [Encode] serialises an outbound
// frame. Validation here is purely structural; authorization and state
// checks belong to the router.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/lingocast/lingocast/internal/apperr"
	"github.com/lingocast/lingocast/pkg/types"
)

// FrameType tags the JSON envelope of every frame.
type FrameType string

const (
	// Inbound (client → server).
	TypeAdminAuth           FrameType = "admin-auth"
	TypeStartSession        FrameType = "start-session"
	TypeEndSession          FrameType = "end-session"
	TypePauseSession        FrameType = "pause-session"
	TypeResumeSession       FrameType = "resume-session"
	TypeUpdateSessionConfig FrameType = "update-session-config"
	TypeTranslation         FrameType = "translation"
	TypeJoinSession         FrameType = "join-session"
	TypeChangeLanguage      FrameType = "change-language"
	TypeLeaveSession        FrameType = "leave-session"

	// Outbound (server → client).
	TypeAdminAuthResponse   FrameType = "admin-auth-response"
	TypeSessionMetadata     FrameType = "session-metadata"
	TypeLanguageRemoved     FrameType = "language-removed"
	TypeError               FrameType = "error"
	TypeSessionStatusUpdate FrameType = "session-status-update"
	TypeTokenExpiryWarning  FrameType = "token-expiry-warning"
	TypeSessionExpired      FrameType = "session-expired"
	TypeCostAlert           FrameType = "cost-alert"
)

// Frame is implemented by every wire frame.
type Frame interface {
	FrameType() FrameType
}

// AuthMethod selects how an admin-auth frame authenticates.
type AuthMethod string

const (
	AuthCredentials AuthMethod = "credentials"
	AuthToken       AuthMethod = "token"
	AuthRefresh     AuthMethod = "refresh"
)

// ── Inbound frames ────────────────────────────────────────────────────────────

// AdminAuth authenticates an admin connection, expected within the grace
// window after the socket opens.
type AdminAuth struct {
	Type         FrameType  `json:"type"`
	Method       AuthMethod `json:"method"`
	Username     string     `json:"username,omitempty"`
	Password     string     `json:"password,omitempty"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
}

func (AdminAuth) FrameType() FrameType { return TypeAdminAuth }

// StartSession asks the server to create a session owned by the caller.
// SessionID may be empty, in which case the server mints one.
type StartSession struct {
	Type      FrameType           `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Config    types.SessionConfig `json:"config"`
}

func (StartSession) FrameType() FrameType { return TypeStartSession }

// EndSession ends a session the caller owns.
type EndSession struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
}

func (EndSession) FrameType() FrameType { return TypeEndSession }

// PauseSession suspends broadcasts on a session the caller owns. Listeners
// stay connected and subscribed.
type PauseSession struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
}

func (PauseSession) FrameType() FrameType { return TypePauseSession }

// ResumeSession returns a paused session to active.
type ResumeSession struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
}

func (ResumeSession) FrameType() FrameType { return TypeResumeSession }

// UpdateSessionConfig mutates a session's configuration mid-session.
type UpdateSessionConfig struct {
	Type      FrameType           `json:"type"`
	SessionID string              `json:"sessionId"`
	Config    types.SessionConfig `json:"config"`
}

func (UpdateSessionConfig) FrameType() FrameType { return TypeUpdateSessionConfig }

// Translation carries one translated utterance from the admin pipeline.
type Translation struct {
	Type           FrameType      `json:"type"`
	SessionID      string         `json:"sessionId"`
	Language       types.Language `json:"language"`
	Text           string         `json:"text"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	SequenceNumber int64          `json:"sequenceNumber,omitempty"`
}

func (Translation) FrameType() FrameType { return TypeTranslation }

// JoinSession subscribes a listener connection to a session and language.
type JoinSession struct {
	Type              FrameType               `json:"type"`
	SessionID         string                  `json:"sessionId"`
	PreferredLanguage types.Language          `json:"preferredLanguage"`
	AudioCapabilities types.AudioCapabilities `json:"audioCapabilities,omitempty"`
}

func (JoinSession) FrameType() FrameType { return TypeJoinSession }

// ChangeLanguage moves a listener between language buckets.
type ChangeLanguage struct {
	Type        FrameType      `json:"type"`
	SessionID   string         `json:"sessionId"`
	NewLanguage types.Language `json:"newLanguage"`
}

func (ChangeLanguage) FrameType() FrameType { return TypeChangeLanguage }

// LeaveSession unsubscribes a listener. The connection stays open.
type LeaveSession struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId"`
}

func (LeaveSession) FrameType() FrameType { return TypeLeaveSession }

// ── Outbound frames ───────────────────────────────────────────────────────────

// AdminAuthResponse reports the outcome of an admin-auth frame.
type AdminAuthResponse struct {
	Type          FrameType `json:"type"`
	Success       bool      `json:"success"`
	AdminID       string    `json:"adminId,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	AccessToken   string    `json:"accessToken,omitempty"`
	RefreshToken  string    `json:"refreshToken,omitempty"`
	ExpiresAt     int64     `json:"expiresAt,omitempty"`
	OwnedSessions []string  `json:"ownedSessions,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
}

func (AdminAuthResponse) FrameType() FrameType { return TypeAdminAuthResponse }

// SessionMetadata is sent to a listener on join and on configuration change.
type SessionMetadata struct {
	Type               FrameType           `json:"type"`
	SessionID          string              `json:"sessionId"`
	Config             types.SessionConfig `json:"config"`
	AvailableLanguages []types.Language    `json:"availableLanguages"`
	TTSAvailable       bool                `json:"ttsAvailable"`
}

func (SessionMetadata) FrameType() FrameType { return TypeSessionMetadata }

// LanguageRemoved tells a listener its subscribed language was removed from
// the session configuration. The listener stays connected and should pick a
// new language with a change-language frame.
type LanguageRemoved struct {
	Type               FrameType        `json:"type"`
	SessionID          string           `json:"sessionId"`
	RemovedLanguage    types.Language   `json:"removedLanguage"`
	AvailableLanguages []types.Language `json:"availableLanguages"`
}

func (LanguageRemoved) FrameType() FrameType { return TypeLanguageRemoved }

// TranslationBroadcast is the fan-out frame delivered to listeners.
type TranslationBroadcast struct {
	Type           FrameType      `json:"type"`
	SessionID      string         `json:"sessionId"`
	Language       types.Language `json:"language"`
	Text           string         `json:"text"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	SequenceNumber int64          `json:"sequenceNumber,omitempty"`
	AudioURL       string         `json:"audioUrl,omitempty"`
	UseLocalTTS    bool           `json:"useLocalTTS,omitempty"`
}

func (TranslationBroadcast) FrameType() FrameType { return TypeTranslation }

// ErrorFrame surfaces a taxonomy error to a client.
type ErrorFrame struct {
	Type       FrameType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable,omitempty"`
	RetryAfter int64     `json:"retryAfterMs,omitempty"`
	Details    string    `json:"details,omitempty"`
}

func (ErrorFrame) FrameType() FrameType { return TypeError }

// SessionStatusUpdate informs the admin of a session's status and audience.
type SessionStatusUpdate struct {
	Type        FrameType           `json:"type"`
	SessionID   string              `json:"sessionId"`
	Status      types.SessionStatus `json:"status"`
	ClientCount int                 `json:"clientCount"`
}

func (SessionStatusUpdate) FrameType() FrameType { return TypeSessionStatusUpdate }

// TokenExpiryWarning warns the admin that the access token is about to expire.
type TokenExpiryWarning struct {
	Type          FrameType `json:"type"`
	ExpiresAt     int64     `json:"expiresAt"`
	TimeRemaining int64     `json:"timeRemainingMs"`
}

func (TokenExpiryWarning) FrameType() FrameType { return TypeTokenExpiryWarning }

// CostAlert warns the admin that a session's projected hourly spend crossed
// the configured threshold. Throttled by the cost tracker's cooldown.
type CostAlert struct {
	Type               FrameType `json:"type"`
	SessionID          string    `json:"sessionId"`
	ProjectedHourlyUSD float64   `json:"projectedHourlyUSD"`
	ThresholdUSD       float64   `json:"thresholdUSD"`
}

func (CostAlert) FrameType() FrameType { return TypeCostAlert }

// SessionExpired tells the admin its authentication is no longer valid.
type SessionExpired struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason,omitempty"`
}

func (SessionExpired) FrameType() FrameType { return TypeSessionExpired }

// ── Construction helpers ──────────────────────────────────────────────────────

// NewErrorFrame builds an error frame from a taxonomy error. Only the
// user-facing message crosses the wire; the internal message stays in logs.
func NewErrorFrame(err error) ErrorFrame {
	ae := apperr.From(err)
	f := ErrorFrame{
		Type:      TypeError,
		Code:      string(ae.Code),
		Message:   ae.UserMessage(),
		Retryable: ae.Retryable(),
	}
	if ae.RetryAfter > 0 {
		f.RetryAfter = ae.RetryAfter.Milliseconds()
	}
	return f
}

// NewTokenExpiryWarning builds a token-expiry-warning frame for expiry at t.
func NewTokenExpiryWarning(expiresAt time.Time, now time.Time) TokenExpiryWarning {
	return TokenExpiryWarning{
		Type:          TypeTokenExpiryWarning,
		ExpiresAt:     expiresAt.UnixMilli(),
		TimeRemaining: expiresAt.Sub(now).Milliseconds(),
	}
}

// ── Parse / Encode ────────────────────────────────────────────────────────────

// envelope is the minimal shape every frame must have.
type envelope struct {
	Type FrameType `json:"type"`
}

// Parse decodes an inbound frame. Unknown types, outbound-only types, and
// structurally invalid payloads produce a validation error from the taxonomy.
// Field-level requirements beyond presence of the type tag are checked by
// [Validate]; Parse calls it before returning.
func Parse(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedFrame, "frame is not a JSON object", err)
	}

	var frame Frame
	var err error
	switch env.Type {
	case TypeAdminAuth:
		frame, err = decode[AdminAuth](data)
	case TypeStartSession:
		frame, err = decode[StartSession](data)
	case TypeEndSession:
		frame, err = decode[EndSession](data)
	case TypePauseSession:
		frame, err = decode[PauseSession](data)
	case TypeResumeSession:
		frame, err = decode[ResumeSession](data)
	case TypeUpdateSessionConfig:
		frame, err = decode[UpdateSessionConfig](data)
	case TypeTranslation:
		frame, err = decode[Translation](data)
	case TypeJoinSession:
		frame, err = decode[JoinSession](data)
	case TypeChangeLanguage:
		frame, err = decode[ChangeLanguage](data)
	case TypeLeaveSession:
		frame, err = decode[LeaveSession](data)
	case "":
		return nil, apperr.New(apperr.CodeMissingField, "frame has no type field")
	default:
		return nil, apperr.Newf(apperr.CodeMalformedFrame, "unrecognised frame type %q", env.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func decode[T Frame](data []byte) (Frame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedFrame, "frame payload does not match its type", err)
	}
	return f, nil
}

// Validate checks frame-specific required fields and formats. It returns a
// taxonomy error naming the first problem found.
func Validate(f Frame) error {
	switch fr := f.(type) {
	case AdminAuth:
		switch fr.Method {
		case AuthCredentials:
			if fr.Username == "" || fr.Password == "" {
				return apperr.New(apperr.CodeMissingField, "credentials auth requires username and password")
			}
		case AuthToken:
			if fr.AccessToken == "" {
				return apperr.New(apperr.CodeMissingField, "token auth requires accessToken")
			}
		case AuthRefresh:
			if fr.RefreshToken == "" {
				return apperr.New(apperr.CodeMissingField, "refresh auth requires refreshToken")
			}
		default:
			return apperr.Newf(apperr.CodeMalformedFrame, "unknown auth method %q", fr.Method)
		}
	case StartSession:
		if fr.SessionID != "" && !types.ValidSessionID(fr.SessionID) {
			return apperr.Newf(apperr.CodeBadSessionID, "session id %q does not match PREFIX-YYYY-NNN", fr.SessionID)
		}
		if err := fr.Config.Validate(); err != nil {
			return apperr.Wrap(apperr.CodeInvalidConfig, "start-session config", err)
		}
	case EndSession:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "end-session requires sessionId")
		}
	case PauseSession:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "pause-session requires sessionId")
		}
	case ResumeSession:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "resume-session requires sessionId")
		}
	case UpdateSessionConfig:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "update-session-config requires sessionId")
		}
		if err := fr.Config.Validate(); err != nil {
			return apperr.Wrap(apperr.CodeInvalidConfig, "update-session-config config", err)
		}
	case Translation:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "translation requires sessionId")
		}
		if fr.Text == "" {
			return apperr.New(apperr.CodeMissingField, "translation requires text")
		}
		if !fr.Language.IsValid() {
			return apperr.Newf(apperr.CodeUnsupportedLanguage, "translation language %q is not supported", fr.Language)
		}
	case JoinSession:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "join-session requires sessionId")
		}
		if !fr.PreferredLanguage.IsValid() {
			return apperr.Newf(apperr.CodeUnsupportedLanguage, "preferred language %q is not supported", fr.PreferredLanguage)
		}
	case ChangeLanguage:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "change-language requires sessionId")
		}
		if !fr.NewLanguage.IsValid() {
			return apperr.Newf(apperr.CodeUnsupportedLanguage, "language %q is not supported", fr.NewLanguage)
		}
	case LeaveSession:
		if fr.SessionID == "" {
			return apperr.New(apperr.CodeMissingField, "leave-session requires sessionId")
		}
	}
	return nil
}

// Encode serialises an outbound frame. The frame's Type field must already be
// set; the construction helpers and the router take care of that.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "encode frame", err)
	}
	return data, nil
}
