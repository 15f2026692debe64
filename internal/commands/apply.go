package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/state"
	"github.com/vitaminmoo/thxc-tool/internal/store"
)

const watchDebounce = 300 * time.Millisecond

// ReadConfigFile loads a state document to be sent with apply_config.
// Current documents are returned as written so the client can validate them
// strictly; legacy documents are migrated first.
func ReadConfigFile(path string) (state.DeviceState, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.DeviceState{}, false, fmt.Errorf("failed to read file: %w", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return state.DeviceState{}, false, fmt.Errorf("%s: not a JSON object: %w", path, err)
	}
	if _, ok := probe["notePreset"]; !ok {
		res, err := state.Parse(data)
		if err != nil {
			return state.DeviceState{}, false, fmt.Errorf("%s: %w", path, err)
		}
		return res.State, res.Migrated, nil
	}

	var s state.DeviceState
	if err := json.Unmarshal(data, &s); err != nil {
		return state.DeviceState{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return s, false, nil
}

// Apply sends the state in file to the device. When st is not nil the
// applied state is recorded in the preset store.
func Apply(ctx context.Context, c *api.Client, file string, st *store.Store) error {
	s, migrated, err := ReadConfigFile(file)
	if err != nil {
		return err
	}
	if migrated {
		fmt.Println("Migrated legacy state document.")
	}
	return applyState(ctx, c, s, file, st)
}

func applyState(ctx context.Context, c *api.Client, s state.DeviceState, filename string, st *store.Store) error {
	res, err := c.ApplyConfig(ctx, s)
	if err != nil {
		return err
	}
	fmt.Printf("Applied config %s: %s\n", res.AppliedConfigID, store.Summarize(res.State))

	if st == nil {
		return nil
	}
	hash, _, err := st.Import(res.State, "", deviceSource(c, store.MethodApply, filename))
	if err != nil {
		config.Log.Warn().Err(err).Msg("failed to record applied preset")
		return nil
	}
	config.Debugf("Recorded preset %s", store.ShortHash(hash))
	return nil
}

func deviceSource(c *api.Client, method, filename string) store.Source {
	src := store.Source{
		Port:      c.PortName(),
		Timestamp: time.Now(),
		Method:    method,
		Filename:  filename,
	}
	if ack := c.Device(); ack != nil {
		src.Device = ack.Device
		src.FirmwareVersion = ack.FirmwareVersion
	}
	return src
}

// Watch applies file once and again every time it changes, until ctx is
// done. Failed applies are reported and watching continues.
func Watch(ctx context.Context, c *api.Client, file string) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory; editors often replace the file on save.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	apply := func() {
		if err := Apply(ctx, c, abs, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		}
	}
	apply()
	fmt.Printf("Watching %s (Ctrl+C to stop)\n", file)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			config.Debugf("File event: %s", ev)
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if !c.Connected() {
				return fmt.Errorf("device disconnected")
			}
			apply()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			config.Log.Warn().Err(err).Msg("watcher error")
		}
	}
}
