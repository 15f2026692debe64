package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/commands"
	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/store"
	"github.com/vitaminmoo/thxc-tool/internal/tui"
)

// CLI is the root command structure for thxc.
type CLI struct {
	Verbose  bool   `short:"v" help:"Enable verbose debug output"`
	Port     string `short:"p" help:"Serial port (auto-detected when empty)" env:"THXC_PORT"`
	Config   string `help:"Config file (default: $XDG_CONFIG_HOME/thxc/config.toml)" type:"path" env:"THXC_CONFIG"`
	Simulate bool   `help:"Talk to an in-memory simulated device instead of hardware"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Device DeviceCmd `cmd:"" help:"Device info and control"`
	Cfg    ConfigCmd `cmd:"" name:"config" help:"Push configuration to the device"`
	State  StateCmd  `cmd:"" help:"Offline state document tools"`
	Fw     FwCmd     `cmd:"" help:"Firmware operations"`
	Preset PresetCmd `cmd:"" help:"Saved device states"`
	Ports  PortsCmd  `cmd:"" help:"List serial ports"`
	Debug  DebugCmd  `cmd:"" help:"Debug and development tools"`

	// Legacy commands for backwards compatibility (hidden)
	Hello HelloLegacyCmd `cmd:"" hidden:""`
	Apply ApplyLegacyCmd `cmd:"" hidden:""`
	Flash FlashLegacyCmd `cmd:"" hidden:""`
}

func (globals *CLI) options() commands.Options {
	config.Verbose = globals.Verbose
	return commands.Options{
		ConfigPath: globals.Config,
		Port:       globals.Port,
		Simulate:   globals.Simulate,
		Verbose:    globals.Verbose,
	}
}

// open connects and handshakes. Callers must Close the session.
func (globals *CLI) open(ctx context.Context) (*commands.Session, error) {
	return commands.Open(ctx, globals.options())
}

// signalContext is cancelled on Ctrl+C so pending requests are dropped
// cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// --- TUI Command ---

type TuiCmd struct{}

func (c *TuiCmd) Run(globals *CLI) error {
	opts := globals.options()
	opts.Quiet = true

	hooks := tui.NewHooks()
	sess, err := commands.NewSession(opts, hooks.Options()...)
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := commands.OpenStore(sess.Settings)
	if err != nil {
		config.Log.Warn().Err(err).Msg("preset store unavailable")
		st = nil
	}
	return tui.Run(sess.Client, hooks, st)
}

// --- Device Commands ---

type DeviceCmd struct {
	Hello DeviceHelloCmd `cmd:"" help:"Handshake and show device info"`
	State DeviceStateCmd `cmd:"" help:"Read the live device state"`
	Ping  DevicePingCmd  `cmd:"" help:"Measure round trip time"`
	Raw   DeviceRawCmd   `cmd:"" help:"Send an arbitrary request"`
}

type DeviceHelloCmd struct {
	JSON bool `help:"Print the handshake result as JSON"`
}

func (c *DeviceHelloCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return commands.Hello(sess.Client, c.JSON)
}

type DeviceStateCmd struct {
	Output string `short:"o" help:"Write the state to a file ('-' for stdout)"`
	JSON   bool   `help:"Print the state as JSON"`
}

func (c *DeviceStateCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return commands.State(ctx, sess.Client, c.Output, c.JSON)
}

type DevicePingCmd struct {
	Count    int           `short:"c" default:"1" help:"Number of pings"`
	Interval time.Duration `short:"i" default:"1s" help:"Delay between pings"`
}

func (c *DevicePingCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return commands.Ping(ctx, sess.Client, c.Count, c.Interval)
}

type DeviceRawCmd struct {
	Type    string        `arg:"" help:"Message type, e.g. get_state"`
	Payload string        `arg:"" optional:"" help:"JSON object payload"`
	Timeout time.Duration `default:"2s" help:"Response timeout"`
}

func (c *DeviceRawCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return commands.Raw(ctx, sess.Client, c.Type, c.Payload, c.Timeout)
}

// --- Config Commands ---

type ConfigCmd struct {
	Apply ConfigApplyCmd `cmd:"" help:"Apply a state document to the device"`
	Watch ConfigWatchCmd `cmd:"" help:"Re-apply a state document whenever it changes"`
}

type ConfigApplyCmd struct {
	File   string `arg:"" help:"State JSON file" type:"existingfile"`
	NoSave bool   `help:"Do not record the applied state in the preset store"`
}

func (c *ConfigApplyCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.NoSave {
		return commands.Apply(ctx, sess.Client, c.File, nil)
	}
	st, err := commands.OpenStore(sess.Settings)
	if err != nil {
		return err
	}
	return commands.Apply(ctx, sess.Client, c.File, st)
}

type ConfigWatchCmd struct {
	File string `arg:"" help:"State JSON file" type:"existingfile"`
}

func (c *ConfigWatchCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return commands.Watch(ctx, sess.Client, c.File)
}

// --- State Commands ---

type StateCmd struct {
	Migrate  StateMigrateCmd  `cmd:"" help:"Rewrite a state document in the current format"`
	Validate StateValidateCmd `cmd:"" help:"Check a state document without a device"`
}

type StateMigrateCmd struct {
	File   string `arg:"" help:"State JSON file" type:"existingfile"`
	Output string `short:"o" help:"Output file (default: stdout)"`
}

func (c *StateMigrateCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	return commands.MigrateFile(c.File, c.Output)
}

type StateValidateCmd struct {
	File string `arg:"" help:"State JSON file" type:"existingfile"`
}

func (c *StateValidateCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	return commands.ValidateFile(c.File)
}

// --- Firmware Commands ---

type FwCmd struct {
	Flash  FwFlashCmd  `cmd:"" help:"Flash a package file or a release version"`
	Verify FwVerifyCmd `cmd:"" help:"Check a firmware package"`
	Pack   FwPackCmd   `cmd:"" help:"Build a firmware package from a directory"`
	List   FwListCmd   `cmd:"" help:"List releases in the firmware manifest"`
}

type FwFlashCmd struct {
	Package string `arg:"" help:"Package file, version, or 'latest'"`
	Yes     bool   `short:"y" help:"Skip the confirmation prompt"`
}

func (c *FwFlashCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	pkg, err := commands.ResolvePackage(sess.Settings, c.Package)
	if err != nil {
		return err
	}
	return commands.Flash(ctx, sess.Client, pkg, c.Yes)
}

type FwVerifyCmd struct {
	File string `arg:"" help:"Package JSON file" type:"existingfile"`
}

func (c *FwVerifyCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	return commands.Verify(c.File)
}

type FwPackCmd struct {
	Dir     string `arg:"" help:"Directory holding the device files" type:"existingdir"`
	Version string `required:"" help:"Package version (x.y.z)"`
	Output  string `short:"o" help:"Output file (default: thxc_<version>.json)"`
}

func (c *FwPackCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	return commands.Pack(c.Dir, c.Version, c.Output)
}

type FwListCmd struct{}

func (c *FwListCmd) Run(globals *CLI) error {
	settings, closer, err := commands.LoadSettings(globals.options())
	if err != nil {
		return err
	}
	defer closer.Close()
	return commands.Releases(settings)
}

// --- Preset Commands ---

type PresetCmd struct {
	List   PresetListCmd   `cmd:"" help:"List stored presets"`
	Save   PresetSaveCmd   `cmd:"" help:"Save the live device state"`
	Show   PresetShowCmd   `cmd:"" help:"Show details of a stored preset"`
	Apply  PresetApplyCmd  `cmd:"" help:"Apply a stored preset to the device"`
	Import PresetImportCmd `cmd:"" help:"Import a state document into the store"`
	Export PresetExportCmd `cmd:"" help:"Export a preset to a file"`
	Remove PresetRemoveCmd `cmd:"" help:"Delete a stored preset"`
}

// withStore loads settings and opens the preset store for offline commands.
func (globals *CLI) withStore(fn func(st *store.Store) error) error {
	settings, closer, err := commands.LoadSettings(globals.options())
	if err != nil {
		return err
	}
	defer closer.Close()
	st, err := commands.OpenStore(settings)
	if err != nil {
		return err
	}
	return fn(st)
}

type PresetListCmd struct{}

func (c *PresetListCmd) Run(globals *CLI) error {
	return globals.withStore(commands.PresetList)
}

type PresetSaveCmd struct {
	Name string `short:"n" help:"Preset name"`
}

func (c *PresetSaveCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := commands.OpenStore(sess.Settings)
	if err != nil {
		return err
	}
	return commands.PresetSave(ctx, sess.Client, st, c.Name)
}

type PresetShowCmd struct {
	Hash string `arg:"" help:"Preset hash (full or short)"`
}

func (c *PresetShowCmd) Run(globals *CLI) error {
	return globals.withStore(func(st *store.Store) error {
		return commands.PresetShow(st, c.Hash)
	})
}

type PresetApplyCmd struct {
	Hash string `arg:"" help:"Preset hash (full or short)"`
}

func (c *PresetApplyCmd) Run(globals *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()
	sess, err := globals.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := commands.OpenStore(sess.Settings)
	if err != nil {
		return err
	}
	return commands.PresetApply(ctx, sess.Client, st, c.Hash)
}

type PresetImportCmd struct {
	File string `arg:"" help:"State JSON file" type:"existingfile"`
	Name string `short:"n" help:"Preset name"`
}

func (c *PresetImportCmd) Run(globals *CLI) error {
	return globals.withStore(func(st *store.Store) error {
		return commands.PresetImport(st, c.File, c.Name)
	})
}

type PresetExportCmd struct {
	Hash   string `arg:"" help:"Preset hash (full or short)"`
	Output string `arg:"" help:"Output file path"`
}

func (c *PresetExportCmd) Run(globals *CLI) error {
	return globals.withStore(func(st *store.Store) error {
		return commands.PresetExport(st, c.Hash, c.Output)
	})
}

type PresetRemoveCmd struct {
	Hash string `arg:"" help:"Preset hash (full or short)"`
	Yes  bool   `short:"y" help:"Skip the confirmation prompt"`
}

func (c *PresetRemoveCmd) Run(globals *CLI) error {
	if !c.Yes && !commands.ConfirmAction(fmt.Sprintf("Remove preset %s? Type 'yes' to continue: ", c.Hash)) {
		return fmt.Errorf("aborted by user")
	}
	return globals.withStore(func(st *store.Store) error {
		return commands.PresetRemove(st, c.Hash)
	})
}

// --- Ports Command ---

type PortsCmd struct{}

func (c *PortsCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	return commands.Ports()
}

// --- Debug Commands ---

type DebugCmd struct {
	Decode DebugDecodeCmd `cmd:"" help:"Split a raw serial capture into frames"`
}

type DebugDecodeCmd struct {
	File string `arg:"" help:"Capture file" type:"existingfile"`
}

func (c *DebugDecodeCmd) Run(globals *CLI) error {
	config.Verbose = globals.Verbose
	return commands.DecodeCapture(c.File)
}

// --- Legacy Commands (hidden, for backwards compatibility) ---

type HelloLegacyCmd struct{}

func (c *HelloLegacyCmd) Run(globals *CLI) error {
	return (&DeviceHelloCmd{}).Run(globals)
}

type ApplyLegacyCmd struct {
	File string `arg:"" help:"State JSON file" type:"existingfile"`
}

func (c *ApplyLegacyCmd) Run(globals *CLI) error {
	return (&ConfigApplyCmd{File: c.File}).Run(globals)
}

type FlashLegacyCmd struct {
	Package string `arg:"" help:"Package file or version"`
}

func (c *FlashLegacyCmd) Run(globals *CLI) error {
	return (&FwFlashCmd{Package: c.Package}).Run(globals)
}
