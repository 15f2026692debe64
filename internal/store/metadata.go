package store

import (
	"fmt"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// Source methods.
const (
	MethodDeviceRead = "device_read"
	MethodFile       = "file"
	MethodApply      = "apply"
)

// Metadata describes a stored preset.
type Metadata struct {
	ContentHash string    `json:"content_hash"`
	Name        string    `json:"name,omitempty"`
	Mode        string    `json:"mode"`
	Summary     string    `json:"summary"`
	Sources     []Source  `json:"sources"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Source records where a preset was obtained from.
type Source struct {
	Device          string    `json:"device,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Port            string    `json:"port,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Method          string    `json:"method"` // "device_read", "file", "apply"
	Filename        string    `json:"filename,omitempty"`
}

// ExtractMetadata summarizes a normalized state.
func ExtractMetadata(s state.DeviceState, hash string) *Metadata {
	now := time.Now()
	return &Metadata{
		ContentHash: hash,
		Mode:        s.NotePreset.Mode,
		Summary:     Summarize(s),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Summarize returns a one line description of the active preset.
func Summarize(s state.DeviceState) string {
	np := s.NotePreset
	chords := fmt.Sprintf("%s/%s/%s/%s",
		s.ModifierChords["12"], s.ModifierChords["13"], s.ModifierChords["14"], s.ModifierChords["15"])
	switch np.Mode {
	case state.ModeGradient:
		return fmt.Sprintf("gradient %s->%s x%.1f, chords %s", np.Gradient.ColorA, np.Gradient.ColorB, np.Gradient.Speed, chords)
	case state.ModeRain:
		return fmt.Sprintf("rain %s->%s x%.1f, chords %s", np.Rain.ColorA, np.Rain.ColorB, np.Rain.Speed, chords)
	default:
		return fmt.Sprintf("piano %s/%s, chords %s", np.Piano.WhiteKeyColor, np.Piano.BlackKeyColor, chords)
	}
}
