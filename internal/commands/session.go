package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/retry"
	"github.com/vitaminmoo/thxc-tool/internal/simulator"
	"github.com/vitaminmoo/thxc-tool/internal/transport"
)

// Options are the global flags shared by every command.
type Options struct {
	ConfigPath string
	Port       string
	Simulate   bool
	Verbose    bool
	// Quiet suppresses the info events printed to stderr.
	Quiet bool
}

// Session is a configured client plus the resources it holds.
type Session struct {
	Client   *api.Client
	Settings config.Settings
	// Sim is the in-memory device when running with --simulate.
	Sim *simulator.Device

	logCloser io.Closer
}

// LoadSettings reads the config file and sets up logging.
func LoadSettings(opts Options) (config.Settings, io.Closer, error) {
	config.Verbose = opts.Verbose

	path := opts.ConfigPath
	if path == "" {
		p, err := config.DefaultPath()
		if err == nil {
			path = p
		}
	}
	settings, err := config.Load(path)
	if err != nil {
		return config.Settings{}, nil, err
	}
	if opts.Port != "" {
		settings.Port = opts.Port
	}

	closer, err := config.SetupLogging(settings.Log, opts.Verbose)
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	config.Debugf("Loaded settings from %s", path)
	return settings, closer, nil
}

// ClientConfig maps file settings onto the client configuration. Zero
// values fall back to the client defaults.
func ClientConfig(s config.Settings) api.Config {
	cfg := api.Config{
		BaudRate:          s.BaudRate,
		RequestTimeout:    s.RequestTimeout,
		HandshakeTimeout:  s.HandshakeTimeout,
		HandshakeAttempts: s.HandshakeAttempts,
		ApplyAttempts:     s.ApplyAttempts,
		ChunkSize:         s.ChunkSize,
		BeginAttempts:     s.BeginAttempts,
		FirmwareTimeout:   s.FirmwareTimeout,
	}
	if s.InitialBackoff > 0 || s.BackoffMultiplier > 0 || s.MaxBackoff > 0 || s.BackoffJitter {
		cfg.Backoff = retry.DefaultBackoff()
		if s.InitialBackoff > 0 {
			cfg.Backoff.InitialDelay = s.InitialBackoff
		}
		if s.BackoffMultiplier > 0 {
			cfg.Backoff.Multiplier = s.BackoffMultiplier
		}
		cfg.Backoff.MaxDelay = s.MaxBackoff
		cfg.Backoff.Jitter = s.BackoffJitter
	}
	return cfg
}

// NewSession builds a client without connecting. Extra options are applied
// after the ones derived from the settings.
func NewSession(opts Options, extra ...api.Option) (*Session, error) {
	settings, closer, err := LoadSettings(opts)
	if err != nil {
		return nil, err
	}

	s := &Session{Settings: settings, logCloser: closer}

	var host transport.Host
	if opts.Simulate {
		s.Sim = simulator.New()
		host = transport.NewPipeHost(s.Sim.Serve)
	} else {
		host = transport.NewUSBHost(settings.Port)
	}

	clientOpts := []api.Option{
		api.WithConfig(ClientConfig(settings)),
		api.WithLogger(config.Log),
	}
	if !opts.Quiet {
		clientOpts = append(clientOpts, api.WithEvents(printEvent))
	}
	s.Client = api.New(host, append(clientOpts, extra...)...)
	return s, nil
}

// Open builds a client, connects it and performs the handshake.
func Open(ctx context.Context, opts Options) (*Session, error) {
	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.Client.Connect(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if _, err := s.Client.Handshake(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return s, nil
}

// Close disconnects and releases the log file.
func (s *Session) Close() error {
	var err error
	if s.Client != nil && s.Client.Connected() {
		err = s.Client.Disconnect()
	}
	if s.logCloser != nil {
		s.logCloser.Close()
	}
	return err
}

func printEvent(e api.Event) {
	if e.Level == api.LevelError {
		fmt.Fprintf(os.Stderr, "! %s\n", e.Message)
		return
	}
	if config.Verbose {
		fmt.Fprintf(os.Stderr, "  %s\n", e.Message)
	}
}
