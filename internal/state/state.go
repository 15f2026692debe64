// Package state models the device configuration exchanged during the
// handshake and apply_config, including validation, normalization and
// migration of the legacy shape.
package state

import "maps"

// Note preset modes
const (
	ModePiano    = "piano"
	ModeGradient = "gradient"
	ModeRain     = "rain"
)

// Speed bounds for animated presets.
const (
	MinSpeed = 0.2
	MaxSpeed = 3.0
)

// Modes lists the accepted notePreset.mode values.
var Modes = []string{ModePiano, ModeGradient, ModeRain}

// ChordTypes lists the accepted modifier chord values.
var ChordTypes = []string{"maj", "min", "maj7", "min7", "maj9", "min9", "maj79", "min79"}

// ModifierKeys are the MIDI notes of the four modifier keys. Every state
// carries a chord for each of them.
var ModifierKeys = []string{"12", "13", "14", "15"}

// DeviceState is the device visible configuration.
type DeviceState struct {
	NotePreset     NotePreset        `json:"notePreset"`
	ModifierChords map[string]string `json:"modifierChords"`
}

type NotePreset struct {
	Mode     string         `json:"mode"`
	Piano    PianoPreset    `json:"piano"`
	Gradient AnimatedPreset `json:"gradient"`
	Rain     AnimatedPreset `json:"rain"`
}

type PianoPreset struct {
	WhiteKeyColor string `json:"whiteKeyColor"`
	BlackKeyColor string `json:"blackKeyColor"`
}

// AnimatedPreset is shared by the gradient and rain modes.
type AnimatedPreset struct {
	ColorA string  `json:"colorA"`
	ColorB string  `json:"colorB"`
	Speed  float64 `json:"speed"`
}

// Default returns the factory state.
func Default() DeviceState {
	return DeviceState{
		NotePreset: NotePreset{
			Mode: ModePiano,
			Piano: PianoPreset{
				WhiteKeyColor: "#969696",
				BlackKeyColor: "#46466e",
			},
			Gradient: AnimatedPreset{ColorA: "#ff4b5a", ColorB: "#559bff", Speed: 1.0},
			Rain:     AnimatedPreset{ColorA: "#56d18d", ColorB: "#559bff", Speed: 1.0},
		},
		ModifierChords: map[string]string{
			"12": "min7",
			"13": "maj7",
			"14": "min",
			"15": "maj",
		},
	}
}

// Clone returns a deep copy of s.
func (s DeviceState) Clone() DeviceState {
	s.ModifierChords = maps.Clone(s.ModifierChords)
	return s
}

// Equal reports whether two states are identical.
func (s DeviceState) Equal(o DeviceState) bool {
	return s.NotePreset == o.NotePreset && maps.Equal(s.ModifierChords, o.ModifierChords)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
