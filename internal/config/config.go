package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Verbose enables debug output when true
var Verbose bool

// Debugf logs a debug message when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		Log.Debug().Msgf(format, args...)
	}
}

// Settings is the user configuration file. Zero values mean "use the built-in
// default".
type Settings struct {
	Port     string
	BaudRate int

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	FirmwareTimeout  time.Duration

	HandshakeAttempts int
	ApplyAttempts     int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	BackoffJitter     bool

	ChunkSize     int
	BeginAttempts int
	ManifestURL   string
	Channel       string

	Log LogSettings

	// StorePath is the preset store directory.
	StorePath string
}

// LogSettings controls the log file. Without File, logs only go to stderr.
type LogSettings struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type fileConfig struct {
	Serial struct {
		Port     string `toml:"port"`
		BaudRate int    `toml:"baud_rate"`
	} `toml:"serial"`
	Timeouts struct {
		Request   string `toml:"request"`
		Handshake string `toml:"handshake"`
		Firmware  string `toml:"firmware"`
	} `toml:"timeouts"`
	Retry struct {
		HandshakeAttempts int     `toml:"handshake_attempts"`
		ApplyAttempts     int     `toml:"apply_attempts"`
		InitialBackoff    string  `toml:"initial_backoff"`
		BackoffMultiplier float64 `toml:"backoff_multiplier"`
		MaxBackoff        string  `toml:"max_backoff"`
		BackoffJitter     bool    `toml:"backoff_jitter"`
	} `toml:"retry"`
	Firmware struct {
		ChunkSize     int    `toml:"chunk_size"`
		BeginAttempts int    `toml:"begin_attempts"`
		ManifestURL   string `toml:"manifest_url"`
		Channel       string `toml:"channel"`
	} `toml:"firmware"`
	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`
	Store struct {
		Path string `toml:"path"`
	} `toml:"store"`
}

// DefaultPath returns the config file location, ~/.config/thxc/config.toml on Linux.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "thxc", "config.toml"), nil
}

// Load reads the settings at path. A missing file yields zero Settings.
func Load(path string) (Settings, error) {
	var s Settings
	if path == "" {
		return s, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("load config: %w", err)
	}
	if keys := meta.Undecoded(); len(keys) > 0 {
		return s, fmt.Errorf("load config: unknown key %q", keys[0].String())
	}

	s.Port = strings.TrimSpace(raw.Serial.Port)
	s.BaudRate = raw.Serial.BaudRate

	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"timeouts", "request"}, raw.Timeouts.Request, &s.RequestTimeout},
		{[]string{"timeouts", "handshake"}, raw.Timeouts.Handshake, &s.HandshakeTimeout},
		{[]string{"timeouts", "firmware"}, raw.Timeouts.Firmware, &s.FirmwareTimeout},
		{[]string{"retry", "initial_backoff"}, raw.Retry.InitialBackoff, &s.InitialBackoff},
		{[]string{"retry", "max_backoff"}, raw.Retry.MaxBackoff, &s.MaxBackoff},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Settings{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	s.HandshakeAttempts = raw.Retry.HandshakeAttempts
	s.ApplyAttempts = raw.Retry.ApplyAttempts
	s.BackoffMultiplier = raw.Retry.BackoffMultiplier
	s.BackoffJitter = raw.Retry.BackoffJitter

	s.ChunkSize = raw.Firmware.ChunkSize
	s.BeginAttempts = raw.Firmware.BeginAttempts
	s.ManifestURL = strings.TrimSpace(raw.Firmware.ManifestURL)
	s.Channel = strings.TrimSpace(raw.Firmware.Channel)

	s.Log = LogSettings{
		Level:      strings.TrimSpace(raw.Log.Level),
		File:       strings.TrimSpace(raw.Log.File),
		MaxSizeMB:  raw.Log.MaxSizeMB,
		MaxBackups: raw.Log.MaxBackups,
		MaxAgeDays: raw.Log.MaxAgeDays,
	}
	s.StorePath = strings.TrimSpace(raw.Store.Path)
	return s, nil
}
