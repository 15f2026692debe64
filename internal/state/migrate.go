package state

import (
	"encoding/json"
)

// Result is a device reported state after validation.
type Result struct {
	// State is always normalized.
	State DeviceState
	// Migrated is true when the input used the legacy showBlackKeys shape.
	Migrated bool
}

// Parse validates a device reported state object and returns its normalized
// form. The legacy shape ({"showBlackKeys": bool, "modifierChords": {...}}
// without a notePreset) is migrated onto the defaults. Speeds outside the
// allowed range are clamped instead of rejected since the device is the
// source of truth for its own state.
func Parse(raw json.RawMessage) (Result, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Result{}, invalid("state", "must be an object")
	}

	if _, hasPreset := obj["notePreset"]; !hasPreset {
		if show, ok := obj["showBlackKeys"].(bool); ok {
			return migrateLegacy(obj, show)
		}
	}

	s, err := parseCurrent(obj)
	if err != nil {
		return Result{}, err
	}
	return Result{State: Normalize(s)}, nil
}

func migrateLegacy(obj map[string]any, showBlackKeys bool) (Result, error) {
	s := Default()
	if !showBlackKeys {
		s.NotePreset.Piano.BlackKeyColor = s.NotePreset.Piano.WhiteKeyColor
	}

	if rawChords, present := obj["modifierChords"]; present {
		chords, ok := rawChords.(map[string]any)
		if !ok {
			return Result{}, invalid("state.modifierChords", "must be an object")
		}
		for _, key := range ModifierKeys {
			if chord, ok := chords[key].(string); ok && contains(ChordTypes, chord) {
				s.ModifierChords[key] = chord
			}
		}
	}

	return Result{State: s, Migrated: true}, nil
}

func parseCurrent(obj map[string]any) (DeviceState, error) {
	var s DeviceState

	np, ok := obj["notePreset"].(map[string]any)
	if !ok {
		return s, invalid("state.notePreset", "must be an object")
	}
	mode, _ := np["mode"].(string)
	if !contains(Modes, mode) {
		return s, invalid("state.notePreset.mode", "is unsupported")
	}
	s.NotePreset.Mode = mode

	piano, ok := np["piano"].(map[string]any)
	if !ok {
		return s, invalid("state.notePreset.piano", "must be an object")
	}
	var err error
	if s.NotePreset.Piano.WhiteKeyColor, err = colorField(piano, "state.notePreset.piano", "whiteKeyColor"); err != nil {
		return s, err
	}
	if s.NotePreset.Piano.BlackKeyColor, err = colorField(piano, "state.notePreset.piano", "blackKeyColor"); err != nil {
		return s, err
	}

	if s.NotePreset.Gradient, err = animatedField(np, "gradient"); err != nil {
		return s, err
	}
	if s.NotePreset.Rain, err = animatedField(np, "rain"); err != nil {
		return s, err
	}

	chords, ok := obj["modifierChords"].(map[string]any)
	if !ok {
		return s, invalid("state.modifierChords", "must be an object")
	}
	s.ModifierChords = make(map[string]string, len(ModifierKeys))
	for _, key := range ModifierKeys {
		chord, ok := chords[key].(string)
		if !ok {
			return s, invalid("state.modifierChords."+key, "must be a string")
		}
		if !contains(ChordTypes, chord) {
			return s, invalid("state.modifierChords."+key, "is unsupported")
		}
		s.ModifierChords[key] = chord
	}

	return s, nil
}

func animatedField(np map[string]any, name string) (AnimatedPreset, error) {
	var p AnimatedPreset
	prefix := "state.notePreset." + name
	obj, ok := np[name].(map[string]any)
	if !ok {
		return p, invalid(prefix, "must be an object")
	}
	var err error
	if p.ColorA, err = colorField(obj, prefix, "colorA"); err != nil {
		return p, err
	}
	if p.ColorB, err = colorField(obj, prefix, "colorB"); err != nil {
		return p, err
	}
	speed, ok := obj["speed"].(float64)
	if !ok {
		return p, invalid(prefix+".speed", "must be a number")
	}
	p.Speed = speed
	return p, nil
}

func colorField(obj map[string]any, prefix, key string) (string, error) {
	v, _ := obj[key].(string)
	if !IsHexColor(v) {
		return "", invalid(prefix+"."+key, "must be #RRGGBB")
	}
	return v, nil
}
