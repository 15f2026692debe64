package state

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError describes the first field of a state that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s.", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsHexColor reports whether v is "#" followed by exactly six hex digits.
func IsHexColor(v string) bool {
	if len(v) != 7 || v[0] != '#' {
		return false
	}
	for _, c := range v[1:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Validate checks s against the full schema without modifying it. Speeds
// outside [MinSpeed, MaxSpeed] are rejected rather than clamped.
func Validate(s DeviceState) error {
	np := s.NotePreset
	if !contains(Modes, np.Mode) {
		return invalid("state.notePreset.mode", "is unsupported")
	}

	colors := []struct {
		field, value string
	}{
		{"state.notePreset.piano.whiteKeyColor", np.Piano.WhiteKeyColor},
		{"state.notePreset.piano.blackKeyColor", np.Piano.BlackKeyColor},
		{"state.notePreset.gradient.colorA", np.Gradient.ColorA},
		{"state.notePreset.gradient.colorB", np.Gradient.ColorB},
		{"state.notePreset.rain.colorA", np.Rain.ColorA},
		{"state.notePreset.rain.colorB", np.Rain.ColorB},
	}
	for _, c := range colors {
		if !IsHexColor(c.value) {
			return invalid(c.field, "must be #RRGGBB")
		}
	}

	if !speedInRange(np.Gradient.Speed) {
		return invalid("state.notePreset.gradient.speed", speedReason())
	}
	if !speedInRange(np.Rain.Speed) {
		return invalid("state.notePreset.rain.speed", speedReason())
	}

	return validateChords(s.ModifierChords)
}

func validateChords(chords map[string]string) error {
	if chords == nil {
		return invalid("state.modifierChords", "must be an object")
	}
	for _, key := range ModifierKeys {
		chord, ok := chords[key]
		if !ok {
			return invalid("state.modifierChords."+key, "must be a string")
		}
		if !contains(ChordTypes, chord) {
			return invalid("state.modifierChords."+key, "is unsupported")
		}
	}
	if len(chords) != len(ModifierKeys) {
		for key := range chords {
			if !contains(ModifierKeys, key) {
				return invalid("state.modifierChords."+key, "is not a modifier key")
			}
		}
	}
	return nil
}

func speedInRange(v float64) bool {
	return v >= MinSpeed && v <= MaxSpeed
}

func speedReason() string {
	return fmt.Sprintf("must be between %.1f and %.1f", MinSpeed, MaxSpeed)
}

// Normalize returns a copy of s with lowercase colors, clamped speeds and a
// complete modifier mapping. Fields that cannot be repaired fall back to
// their defaults. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s DeviceState) DeviceState {
	def := Default()
	out := DeviceState{ModifierChords: make(map[string]string, len(ModifierKeys))}

	np := s.NotePreset
	out.NotePreset.Mode = np.Mode
	if !contains(Modes, np.Mode) {
		out.NotePreset.Mode = def.NotePreset.Mode
	}

	out.NotePreset.Piano = PianoPreset{
		WhiteKeyColor: normalizeColor(np.Piano.WhiteKeyColor, def.NotePreset.Piano.WhiteKeyColor),
		BlackKeyColor: normalizeColor(np.Piano.BlackKeyColor, def.NotePreset.Piano.BlackKeyColor),
	}
	out.NotePreset.Gradient = normalizeAnimated(np.Gradient, def.NotePreset.Gradient)
	out.NotePreset.Rain = normalizeAnimated(np.Rain, def.NotePreset.Rain)

	for _, key := range ModifierKeys {
		chord := s.ModifierChords[key]
		if !contains(ChordTypes, chord) {
			chord = def.ModifierChords[key]
		}
		out.ModifierChords[key] = chord
	}
	return out
}

func normalizeAnimated(p, def AnimatedPreset) AnimatedPreset {
	return AnimatedPreset{
		ColorA: normalizeColor(p.ColorA, def.ColorA),
		ColorB: normalizeColor(p.ColorB, def.ColorB),
		Speed:  normalizeSpeed(p.Speed, def.Speed),
	}
}

func normalizeSpeed(v, fallback float64) float64 {
	if math.IsNaN(v) {
		return fallback
	}
	return ClampSpeed(v)
}

func normalizeColor(v, fallback string) string {
	if !IsHexColor(v) {
		return fallback
	}
	return strings.ToLower(v)
}

// ClampSpeed limits v to [MinSpeed, MaxSpeed]. NaN maps to MinSpeed.
func ClampSpeed(v float64) float64 {
	if math.IsNaN(v) {
		return MinSpeed
	}
	if v < MinSpeed {
		return MinSpeed
	}
	if v > MaxSpeed {
		return MaxSpeed
	}
	return v
}
