package tts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lingocast/lingocast/pkg/types"
)

// VoiceTable maps (language × paid mode) to an upstream voice identifier.
type VoiceTable map[types.Language]map[types.TTSMode]string

// DefaultVoices returns the built-in voice table.
func DefaultVoices() VoiceTable {
	return VoiceTable{
		types.LanguageEN: {types.TTSNeural: "Joanna", types.TTSStandard: "Joey"},
		types.LanguageES: {types.TTSNeural: "Lupe", types.TTSStandard: "Conchita"},
		types.LanguageFR: {types.TTSNeural: "Lea", types.TTSStandard: "Celine"},
		types.LanguageDE: {types.TTSNeural: "Vicki", types.TTSStandard: "Marlene"},
		types.LanguageIT: {types.TTSNeural: "Bianca", types.TTSStandard: "Carla"},
	}
}

// Voice returns the voice for a language and mode.
func (vt VoiceTable) Voice(lang types.Language, mode types.TTSMode) (string, bool) {
	v, ok := vt[lang][mode]
	return v, ok && v != ""
}

// voiceFile is the YAML shape of a voice table override file:
//
//	voices:
//	  es:
//	    neural: Mia
type voiceFile struct {
	Voices map[types.Language]map[types.TTSMode]string `yaml:"voices"`
}

// LoadVoiceTable reads a YAML override file and merges it over the built-in
// table. Entries for unknown languages or modes are rejected.
func LoadVoiceTable(path string) (VoiceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tts: read voice table %s: %w", path, err)
	}
	var doc voiceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tts: parse voice table %s: %w", path, err)
	}

	table := DefaultVoices()
	for lang, modes := range doc.Voices {
		if !lang.IsValid() {
			return nil, fmt.Errorf("tts: voice table %s: unknown language %q", path, lang)
		}
		for mode, voice := range modes {
			if !mode.Paid() {
				return nil, fmt.Errorf("tts: voice table %s: mode %q takes no voice", path, mode)
			}
			if voice == "" {
				return nil, fmt.Errorf("tts: voice table %s: empty voice for %s/%s", path, lang, mode)
			}
			table[lang][mode] = voice
		}
	}
	return table, nil
}
