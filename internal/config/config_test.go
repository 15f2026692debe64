package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Settings{}, s)

	s, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Settings{}, s)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[serial]
port = " /dev/ttyACM0 "
baud_rate = 9600

[timeouts]
request = "1500ms"
handshake = "8s"

[retry]
handshake_attempts = 5
initial_backoff = "100ms"
backoff_multiplier = 1.5
backoff_jitter = true

[firmware]
chunk_size = 256
channel = "beta"

[log]
level = "info"
file = "/tmp/thxc.log"
max_backups = 2

[store]
path = "/var/lib/thxc"
`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", s.Port)
	assert.Equal(t, 9600, s.BaudRate)
	assert.Equal(t, 1500*time.Millisecond, s.RequestTimeout)
	assert.Equal(t, 8*time.Second, s.HandshakeTimeout)
	assert.Zero(t, s.FirmwareTimeout)
	assert.Equal(t, 5, s.HandshakeAttempts)
	assert.Equal(t, 100*time.Millisecond, s.InitialBackoff)
	assert.InDelta(t, 1.5, s.BackoffMultiplier, 1e-9)
	assert.True(t, s.BackoffJitter)
	assert.Equal(t, 256, s.ChunkSize)
	assert.Equal(t, "beta", s.Channel)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "/tmp/thxc.log", s.Log.File)
	assert.Equal(t, 2, s.Log.MaxBackups)
	assert.Equal(t, "/var/lib/thxc", s.StorePath)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "[timeouts]\nrequest = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.request")
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "[serial]\nspeed = 1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial.speed")
}

func TestSetupLoggingLevels(t *testing.T) {
	_, err := SetupLogging(LogSettings{Level: "loud"}, false)
	require.Error(t, err)

	closer, err := SetupLogging(LogSettings{Level: "error"}, false)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.Equal(t, "error", Log.GetLevel().String())

	closer, err = SetupLogging(LogSettings{Level: "error"}, true)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.Equal(t, "debug", Log.GetLevel().String())
}

func TestSetupLoggingWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thxc.log")
	closer, err := SetupLogging(LogSettings{Level: "info", File: path}, false)
	require.NoError(t, err)

	Log.Info().Str("port", "pipe1").Msg("connected")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"port":"pipe1"`)
	assert.Contains(t, string(data), `"message":"connected"`)
}
