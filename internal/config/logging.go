package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process wide logger used by Debugf and the commands.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
	With().Timestamp().Logger().Level(zerolog.WarnLevel)

// SetupLogging replaces Log according to ls. Console output goes to stderr;
// when ls.File is set a rotated JSON log is written as well. The returned
// closer releases the log file.
func SetupLogging(ls LogSettings, verbose bool) (io.Closer, error) {
	level := zerolog.WarnLevel
	if ls.Level != "" {
		l, err := zerolog.ParseLevel(ls.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	var closer io.Closer = nopCloser{}
	if ls.File != "" {
		w := &lumberjack.Logger{
			Filename:   ls.File,
			MaxSize:    orDefault(ls.MaxSizeMB, 10),
			MaxBackups: orDefault(ls.MaxBackups, 3),
			MaxAge:     orDefault(ls.MaxAgeDays, 28),
		}
		out = zerolog.MultiLevelWriter(out, w)
		closer = w
	}

	Log = zerolog.New(out).With().Timestamp().Str("app", "thxc").Logger().Level(level)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
