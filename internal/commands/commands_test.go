package commands

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/retry"
	"github.com/vitaminmoo/thxc-tool/internal/state"
)

const fastGradient = `{
	"notePreset": {
		"mode": "gradient",
		"piano": {"whiteKeyColor": "#ffffff", "blackKeyColor": "#000000"},
		"gradient": {"colorA": "#FF0000", "colorB": "#00ff00", "speed": 5},
		"rain": {"colorA": "#123456", "colorB": "#abcdef", "speed": 1}
	},
	"modifierChords": {"12": "maj", "13": "min", "14": "maj7", "15": "min7"}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadConfigFileMigratesLegacy(t *testing.T) {
	path := writeFile(t, "legacy.json", `{"showBlackKeys":true}`)
	s, migrated, err := ReadConfigFile(path)
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, state.ModePiano, s.NotePreset.Mode)
	assert.NoError(t, state.Validate(s))
}

func TestReadConfigFileKeepsCurrentAsWritten(t *testing.T) {
	path := writeFile(t, "fast.json", fastGradient)
	s, migrated, err := ReadConfigFile(path)
	require.NoError(t, err)
	assert.False(t, migrated)
	// not clamped, so apply can reject it
	assert.Equal(t, 5.0, s.NotePreset.Gradient.Speed)
	assert.Equal(t, "#FF0000", s.NotePreset.Gradient.ColorA)
}

func TestReadConfigFileRejectsNonObject(t *testing.T) {
	_, _, err := ReadConfigFile(writeFile(t, "list.json", `[1,2]`))
	assert.Error(t, err)

	_, _, err = ReadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateFile(t *testing.T) {
	def, err := json.Marshal(state.Default())
	require.NoError(t, err)
	assert.NoError(t, ValidateFile(writeFile(t, "default.json", string(def))))

	err = ValidateFile(writeFile(t, "fast.json", fastGradient))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "speed")
}

func TestMigrateFileNormalizes(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, MigrateFile(writeFile(t, "fast.json", fastGradient), out))

	res, err := ReadStateFile(out)
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.Equal(t, state.MaxSpeed, res.State.NotePreset.Gradient.Speed)
	assert.Equal(t, "#ff0000", res.State.NotePreset.Gradient.ColorA)
	assert.NoError(t, state.Validate(res.State))
}

func TestDecodeCapture(t *testing.T) {
	capture := "boot ok\r\n" +
		`{"v":1,"type":"ack","id":"a1","ts":1,"payload":{"requestType":"ping","status":"ok"}}` + "\n" +
		"{broken\n" +
		`{"v":1,"type":"ack"`
	assert.NoError(t, DecodeCapture(writeFile(t, "capture.bin", capture)))

	assert.Error(t, DecodeCapture(filepath.Join(t.TempDir(), "missing.bin")))
}

func TestClientConfigBackoff(t *testing.T) {
	assert.Zero(t, ClientConfig(config.Settings{}).Backoff)

	cfg := ClientConfig(config.Settings{BackoffJitter: true, MaxBackoff: 2 * time.Second})
	want := retry.DefaultBackoff()
	want.MaxDelay = 2 * time.Second
	want.Jitter = true
	assert.Equal(t, want, cfg.Backoff)
}
