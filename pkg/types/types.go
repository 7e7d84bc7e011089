// Package types defines the shared domain types used across all LingoCast packages.
//
// These types form the lingua franca between the session registry, the message
// router, the TTS pipeline, and the wire protocol. They are intentionally
// minimal: each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"fmt"
	"regexp"
)

// Language is one of the target-language codes recognised by the server.
type Language string

const (
	LanguageEN Language = "en"
	LanguageES Language = "es"
	LanguageFR Language = "fr"
	LanguageDE Language = "de"
	LanguageIT Language = "it"
)

// Languages lists every recognised language code.
var Languages = []Language{LanguageEN, LanguageES, LanguageFR, LanguageDE, LanguageIT}

// IsValid reports whether l is a recognised language code.
func (l Language) IsValid() bool {
	switch l {
	case LanguageEN, LanguageES, LanguageFR, LanguageDE, LanguageIT:
		return true
	}
	return false
}

// TTSMode is the session's synthesis policy.
type TTSMode string

const (
	// TTSNeural synthesises via the paid upstream's neural engine.
	TTSNeural TTSMode = "neural"

	// TTSStandard synthesises via the paid upstream's standard engine.
	TTSStandard TTSMode = "standard"

	// TTSLocal skips the upstream entirely; listeners synthesise on-device.
	TTSLocal TTSMode = "local"

	// TTSDisabled broadcasts text only.
	TTSDisabled TTSMode = "disabled"
)

// IsValid reports whether m is a recognised TTS mode.
func (m TTSMode) IsValid() bool {
	switch m {
	case TTSNeural, TTSStandard, TTSLocal, TTSDisabled:
		return true
	}
	return false
}

// Paid reports whether the mode contacts the paid synthesis upstream.
func (m TTSMode) Paid() bool {
	return m == TTSNeural || m == TTSStandard
}

// AudioQuality selects the synthesis output tier.
type AudioQuality string

const (
	QualityHigh   AudioQuality = "high"
	QualityMedium AudioQuality = "medium"
	QualityLow    AudioQuality = "low"
)

// IsValid reports whether q is a recognised audio quality tier.
func (q AudioQuality) IsValid() bool {
	switch q {
	case QualityHigh, QualityMedium, QualityLow:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a broadcast session.
type SessionStatus string

const (
	StatusStarted SessionStatus = "started"
	StatusActive  SessionStatus = "active"
	StatusPaused  SessionStatus = "paused"
	StatusEnding  SessionStatus = "ending"
	StatusEnded   SessionStatus = "ended"
	StatusError   SessionStatus = "error"
)

// Terminal reports whether s is a terminal status. Terminal sessions are not
// rehydrated after a restart and may be deleted after a grace period.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded
}

// AudioEncoding describes the negotiated audio framing for a session.
type AudioEncoding struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Framing    string `json:"framing,omitempty"`
}

// SessionConfig is the admin-controlled configuration of a session.
type SessionConfig struct {
	// SourceLanguage is the language the admin speaks.
	SourceLanguage Language `json:"sourceLanguage"`

	// TargetLanguages is the ordered set of languages listeners may subscribe
	// to. Every element must be a recognised code and the set must be non-empty.
	TargetLanguages []Language `json:"targetLanguages"`

	// TTSMode is the synthesis policy for translation broadcasts.
	TTSMode TTSMode `json:"ttsMode"`

	// AudioQuality selects the synthesis output tier.
	AudioQuality AudioQuality `json:"audioQuality,omitempty"`

	// Encoding is the negotiated audio framing. Optional.
	Encoding AudioEncoding `json:"encoding,omitempty"`
}

// HasTarget reports whether lang is one of the configured target languages.
func (c SessionConfig) HasTarget(lang Language) bool {
	for _, l := range c.TargetLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is coherent. Zero-value optional
// fields (quality, encoding) are allowed; languages and mode are not.
func (c SessionConfig) Validate() error {
	if len(c.TargetLanguages) == 0 {
		return fmt.Errorf("targetLanguages must not be empty")
	}
	seen := make(map[Language]bool, len(c.TargetLanguages))
	for _, l := range c.TargetLanguages {
		if !l.IsValid() {
			return fmt.Errorf("target language %q is not supported", l)
		}
		if seen[l] {
			return fmt.Errorf("target language %q is listed twice", l)
		}
		seen[l] = true
	}
	if c.SourceLanguage != "" && !c.SourceLanguage.IsValid() {
		return fmt.Errorf("source language %q is not supported", c.SourceLanguage)
	}
	if c.TTSMode == "" || !c.TTSMode.IsValid() {
		return fmt.Errorf("ttsMode %q is invalid; valid values: neural, standard, local, disabled", c.TTSMode)
	}
	if c.AudioQuality != "" && !c.AudioQuality.IsValid() {
		return fmt.Errorf("audioQuality %q is invalid; valid values: high, medium, low", c.AudioQuality)
	}
	return nil
}

// AudioCapabilities describes what a listener device can play back.
type AudioCapabilities struct {
	// LocalTTSLanguages lists the languages the device can synthesise locally.
	LocalTTSLanguages []Language `json:"localTTSLanguages,omitempty"`

	// SupportsPlayback reports whether the device can play fetched audio files.
	SupportsPlayback bool `json:"supportsPlayback"`
}

// CanSynthesise reports whether the device can synthesise lang on-device.
func (a AudioCapabilities) CanSynthesise(lang Language) bool {
	for _, l := range a.LocalTTSLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// sessionIDPattern is the required shape of a session ID: an uppercase prefix,
// a four-digit year, and a three-digit counter.
var sessionIDPattern = regexp.MustCompile(`^[A-Z]+-\d{4}-\d{3}$`)

// ValidSessionID reports whether id matches the PREFIX-YYYY-NNN format.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
