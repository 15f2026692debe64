package state

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeviceState)
		field  string
	}{
		{"speed above max", func(s *DeviceState) { s.NotePreset.Gradient.Speed = 4 }, "state.notePreset.gradient.speed"},
		{"speed below min", func(s *DeviceState) { s.NotePreset.Rain.Speed = 0.1 }, "state.notePreset.rain.speed"},
		{"bad hex", func(s *DeviceState) { s.NotePreset.Piano.WhiteKeyColor = "#zzzzzz" }, "state.notePreset.piano.whiteKeyColor"},
		{"short hex", func(s *DeviceState) { s.NotePreset.Rain.ColorB = "#fff" }, "state.notePreset.rain.colorB"},
		{"unknown mode", func(s *DeviceState) { s.NotePreset.Mode = "strobe" }, "state.notePreset.mode"},
		{"unknown chord", func(s *DeviceState) { s.ModifierChords["13"] = "sus4" }, "state.modifierChords.13"},
		{"missing chord", func(s *DeviceState) { delete(s.ModifierChords, "15") }, "state.modifierChords.15"},
		{"extra key", func(s *DeviceState) { s.ModifierChords["16"] = "maj" }, "state.modifierChords.16"},
		{"nil chords", func(s *DeviceState) { s.ModifierChords = nil }, "state.modifierChords"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := Validate(s)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	s := Default()
	s.NotePreset.Gradient.Speed = 4
	assert.EqualError(t, Validate(s), "state.notePreset.gradient.speed must be between 0.2 and 3.0.")
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []DeviceState{
		Default(),
		func() DeviceState {
			s := Default()
			s.NotePreset.Mode = ModeRain
			s.NotePreset.Piano.WhiteKeyColor = "#ABCDEF"
			s.NotePreset.Gradient.Speed = 9
			s.NotePreset.Rain.Speed = -1
			s.ModifierChords["12"] = "bogus"
			return s
		}(),
		func() DeviceState {
			s := Default()
			s.NotePreset.Gradient.Speed = math.NaN()
			s.NotePreset.Rain.Speed = math.Inf(1)
			return s
		}(),
		{},
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.True(t, once.Equal(twice))
		require.NoError(t, Validate(once))

		for _, c := range []string{
			once.NotePreset.Piano.WhiteKeyColor, once.NotePreset.Piano.BlackKeyColor,
			once.NotePreset.Gradient.ColorA, once.NotePreset.Gradient.ColorB,
			once.NotePreset.Rain.ColorA, once.NotePreset.Rain.ColorB,
		} {
			assert.Len(t, c, 7)
			assert.Regexp(t, `^#[0-9a-f]{6}$`, c)
		}
		assert.GreaterOrEqual(t, once.NotePreset.Gradient.Speed, MinSpeed)
		assert.LessOrEqual(t, once.NotePreset.Rain.Speed, MaxSpeed)
	}
}

func TestNormalizeReplacesNaNSpeed(t *testing.T) {
	s := Default()
	s.NotePreset.Gradient.Speed = math.NaN()
	s.NotePreset.Rain.Speed = math.NaN()
	require.Error(t, Validate(s))

	out := Normalize(s)
	def := Default()
	assert.Equal(t, def.NotePreset.Gradient.Speed, out.NotePreset.Gradient.Speed)
	assert.Equal(t, def.NotePreset.Rain.Speed, out.NotePreset.Rain.Speed)
	assert.Equal(t, MinSpeed, ClampSpeed(math.NaN()))
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	s := Default()
	s.NotePreset.Piano.WhiteKeyColor = "#AAAAAA"
	s.ModifierChords["12"] = "bogus"
	_ = Normalize(s)
	assert.Equal(t, "#AAAAAA", s.NotePreset.Piano.WhiteKeyColor)
	assert.Equal(t, "bogus", s.ModifierChords["12"])
}

func TestCloneIsDeep(t *testing.T) {
	s := Default()
	c := s.Clone()
	c.ModifierChords["12"] = "maj9"
	assert.Equal(t, "min7", s.ModifierChords["12"])
}

func TestParseLegacyHiddenBlackKeys(t *testing.T) {
	raw := json.RawMessage(`{"showBlackKeys":false,"modifierChords":{"12":"min7","13":"maj7","14":"min","15":"maj"}}`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Equal(t, ModePiano, res.State.NotePreset.Mode)
	assert.Equal(t, res.State.NotePreset.Piano.WhiteKeyColor, res.State.NotePreset.Piano.BlackKeyColor)
}

func TestParseLegacyShownBlackKeys(t *testing.T) {
	res, err := Parse(json.RawMessage(`{"showBlackKeys":true}`))
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.NotePreset.Piano, res.State.NotePreset.Piano)
	assert.NotEqual(t, res.State.NotePreset.Piano.WhiteKeyColor, res.State.NotePreset.Piano.BlackKeyColor)
}

func TestParseLegacyKeepsValidChords(t *testing.T) {
	res, err := Parse(json.RawMessage(`{"showBlackKeys":true,"modifierChords":{"12":"maj9","13":"nope","14":7}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"12": "maj9", "13": "maj7", "14": "min", "15": "maj"}, res.State.ModifierChords)
}

func TestParseLegacyRejectsNonObjectChords(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"showBlackKeys":true,"modifierChords":[1,2]}`))
	require.Error(t, err)
}

func TestParseCurrentNormalizes(t *testing.T) {
	raw := json.RawMessage(`{
		"notePreset": {
			"mode": "gradient",
			"piano": {"whiteKeyColor": "#FFFFFF", "blackKeyColor": "#000000"},
			"gradient": {"colorA": "#FF0000", "colorB": "#00ff00", "speed": 5},
			"rain": {"colorA": "#123456", "colorB": "#abcdef", "speed": 0.5}
		},
		"modifierChords": {"12": "maj", "13": "min", "14": "maj7", "15": "min79"}
	}`)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.Equal(t, "#ffffff", res.State.NotePreset.Piano.WhiteKeyColor)
	assert.Equal(t, "#ff0000", res.State.NotePreset.Gradient.ColorA)
	assert.Equal(t, MaxSpeed, res.State.NotePreset.Gradient.Speed)
	assert.Equal(t, 0.5, res.State.NotePreset.Rain.Speed)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`[]`,
		`null`,
		`{}`,
		`{"notePreset":{"mode":"piano"}}`,
		`{"notePreset":{"mode":"piano","piano":{"whiteKeyColor":"#zzzzzz","blackKeyColor":"#000000"}}}`,
	} {
		_, err := Parse(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestParseRoundTripsDefault(t *testing.T) {
	raw, err := json.Marshal(Default())
	require.NoError(t, err)
	res, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, Default().Equal(res.State))
}
