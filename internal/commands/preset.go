package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/store"
)

// OpenStore opens the configured preset store.
func OpenStore(s config.Settings) (*store.Store, error) {
	var st *store.Store
	var err error
	if s.StorePath != "" {
		st, err = store.Open(s.StorePath)
	} else {
		st, err = store.OpenDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// PresetList prints every stored preset, newest first.
func PresetList(st *store.Store) error {
	presets, err := st.List()
	if err != nil {
		return fmt.Errorf("failed to list presets: %w", err)
	}

	if len(presets) == 0 {
		fmt.Println("No presets in store.")
		fmt.Println("Save the device state with: thxc preset save --name <name>")
		return nil
	}

	fmt.Printf("Found %d preset(s):\n\n", len(presets))
	for _, p := range presets {
		fmt.Printf("  %s  %-16s  %s\n", store.ShortHash(p.Hash), p.Name, p.Summary)
	}
	return nil
}

// PresetSave reads the live state and stores it.
func PresetSave(ctx context.Context, c *api.Client, st *store.Store, name string) error {
	s, err := c.GetState(ctx)
	if err != nil {
		return err
	}
	hash, isNew, err := st.Import(s, name, deviceSource(c, store.MethodDeviceRead, ""))
	if err != nil {
		return fmt.Errorf("failed to save preset: %w", err)
	}
	reportImport(hash, isNew, store.Summarize(s))
	return nil
}

// PresetImport stores a state document from disk.
func PresetImport(st *store.Store, file, name string) error {
	s, _, err := ReadConfigFile(file)
	if err != nil {
		return err
	}
	source := store.Source{
		Timestamp: time.Now(),
		Method:    store.MethodFile,
		Filename:  file,
	}
	hash, isNew, err := st.Import(s, name, source)
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}
	reportImport(hash, isNew, store.Summarize(s))
	return nil
}

func reportImport(hash string, isNew bool, summary string) {
	if isNew {
		fmt.Printf("Saved new preset: %s\n", store.ShortHash(hash))
	} else {
		fmt.Printf("Preset already exists: %s (added source)\n", store.ShortHash(hash))
	}
	fmt.Printf("  %s\n", summary)
}

// PresetShow prints a preset's metadata and content.
func PresetShow(st *store.Store, ref string) error {
	hash, err := st.Resolve(ref)
	if err != nil {
		return err
	}
	meta, err := st.GetMetadata(hash)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}
	if err := PrintValue(meta); err != nil {
		return err
	}
	s, err := st.Get(hash)
	if err != nil {
		return err
	}
	fmt.Println()
	printState(s)
	return nil
}

// PresetExport writes a preset to output.
func PresetExport(st *store.Store, ref, output string) error {
	hash, err := st.Resolve(ref)
	if err != nil {
		return err
	}
	if err := st.Export(hash, output); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	fmt.Printf("Exported to: %s\n", output)
	return nil
}

// PresetApply sends a stored preset to the device.
func PresetApply(ctx context.Context, c *api.Client, st *store.Store, ref string) error {
	hash, err := st.Resolve(ref)
	if err != nil {
		return err
	}
	s, err := st.Get(hash)
	if err != nil {
		return err
	}
	return applyState(ctx, c, s, "", st)
}

// PresetRemove deletes a preset.
func PresetRemove(st *store.Store, ref string) error {
	hash, err := st.Resolve(ref)
	if err != nil {
		return err
	}
	if err := st.Remove(hash); err != nil {
		return err
	}
	fmt.Printf("Removed preset %s\n", store.ShortHash(hash))
	return nil
}
