package tts

import "strings"

// Style is the enumerated delivery style of synthesised speech.
type Style string

const (
	StyleNeutral    Style = "neutral"
	StyleCalm       Style = "calm"
	StyleCheerful   Style = "cheerful"
	StyleExpressive Style = "expressive"
	StyleSerious    Style = "serious"
)

// Styles lists every known style.
var Styles = []Style{StyleNeutral, StyleCalm, StyleCheerful, StyleExpressive, StyleSerious}

// ParseStyle maps free text onto a Style. Unknown or empty values, including
// anything a model or client might emit, yield [StyleNeutral].
func ParseStyle(s string) Style {
	st := Style(strings.ToLower(strings.TrimSpace(s)))
	if st.IsValid() {
		return st
	}
	return StyleNeutral
}

// IsValid reports whether s is a known style.
func (s Style) IsValid() bool {
	switch s {
	case StyleNeutral, StyleCalm, StyleCheerful, StyleExpressive, StyleSerious:
		return true
	}
	return false
}

// VoiceSettings are the prosody parameters a style maps to.
type VoiceSettings struct {
	// Stability in [0, 1]. Higher is more monotone and consistent.
	Stability float64

	// SimilarityBoost in [0, 1]. Higher stays closer to the source voice.
	SimilarityBoost float64

	// Exaggeration in [0, 1]. Higher amplifies the speaker's style.
	Exaggeration float64

	// Speed is the speaking rate; 1.0 is normal.
	Speed float64
}

var styleSettings = map[Style]VoiceSettings{
	StyleNeutral:    {Stability: 0.7, SimilarityBoost: 0.8, Exaggeration: 0, Speed: 1.0},
	StyleCalm:       {Stability: 0.85, SimilarityBoost: 0.8, Exaggeration: 0, Speed: 0.9},
	StyleCheerful:   {Stability: 0.4, SimilarityBoost: 0.75, Exaggeration: 0.45, Speed: 1.05},
	StyleExpressive: {Stability: 0.3, SimilarityBoost: 0.75, Exaggeration: 0.7, Speed: 1.0},
	StyleSerious:    {Stability: 0.8, SimilarityBoost: 0.85, Exaggeration: 0.1, Speed: 0.95},
}

// Settings returns the voice settings for s. The mapping is total: unknown
// styles get the neutral settings.
func (s Style) Settings() VoiceSettings {
	if vs, ok := styleSettings[s]; ok {
		return vs
	}
	return styleSettings[StyleNeutral]
}
