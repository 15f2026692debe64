package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/firmware"
	"github.com/vitaminmoo/thxc-tool/internal/protocol"
)

// Verify checks a package file and prints its contents.
func Verify(file string) error {
	pkg, err := firmware.Load(file)
	if err != nil {
		return err
	}
	files, err := pkg.Decode()
	if err != nil {
		return err
	}

	fmt.Printf("Package:  %s\n", file)
	fmt.Printf("Version:  %s\n", pkg.Version)
	fmt.Printf("Files:    %d (%s)\n\n", len(files), humanize.IBytes(uint64(firmware.TotalSize(files))))
	for _, f := range files {
		fmt.Printf("  %-32s %8d  %s\n", f.Path, len(f.Data), f.SHA256[:12])
	}
	return nil
}

// Pack builds a package from dir and writes it to output.
func Pack(dir, version, output string) error {
	pkg, err := firmware.Build(dir, version)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	if output == "" {
		output = fmt.Sprintf("thxc_%s.json", version)
	}
	if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write package: %w", err)
	}
	fmt.Printf("Wrote %s (%d files)\n", output, len(pkg.Files))
	return nil
}

func openCache() (*firmware.Cache, error) {
	path, err := firmware.DefaultCachePath()
	if err != nil {
		return nil, err
	}
	return firmware.NewCacheAt(path)
}

// Releases lists the releases in the configured manifest next to the
// cached packages.
func Releases(s config.Settings) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	cached := map[string]bool{}
	if entries, err := cache.List(); err == nil {
		for _, e := range entries {
			cached[e.Version] = true
		}
	}

	mc := firmware.NewManifestClient(s.ManifestURL)
	releases, err := mc.GetAvailable(s.Channel)
	if err != nil {
		return err
	}
	if len(releases) == 0 {
		fmt.Println("No firmware releases found.")
		return nil
	}

	fmt.Printf("Found %d release(s):\n\n", len(releases))
	for _, r := range releases {
		mark := " "
		if cached[r.Version] {
			mark = "*"
		}
		fmt.Printf("%s %-12s  %-8s  %s  %s\n", mark, r.Version, r.Channel, r.Created.Format("2006-01-02"), r.Notes)
	}
	fmt.Println("\n* = cached in", cache.Path())
	return nil
}

// ResolvePackage loads ref as a package file when it exists, otherwise
// treats it as a version ("latest" for the newest) from the manifest.
func ResolvePackage(s config.Settings, ref string) (*firmware.Package, error) {
	if _, err := os.Stat(ref); err == nil {
		return firmware.Load(ref)
	}
	if ref != "latest" && !firmware.ValidVersion(ref) {
		return nil, fmt.Errorf("%s is neither a package file nor a version", ref)
	}

	mc := firmware.NewManifestClient(s.ManifestURL)
	var release *firmware.Release
	var err error
	if ref == "latest" {
		release, err = mc.GetLatest(s.Channel)
	} else {
		release, err = mc.FindVersion(s.Channel, ref)
	}
	if err != nil {
		return nil, err
	}

	cache, err := openCache()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Fetching firmware %s...\n", release.Version)
	return cache.Download(mc, *release, nil)
}

// Flash sends pkg to the device, drawing a progress line on stdout.
func Flash(ctx context.Context, c *api.Client, pkg *firmware.Package, yes bool) error {
	ack := c.Device()
	if ack != nil && !ack.HasFeature(protocol.FeatureFirmwareUpdate) {
		return fmt.Errorf("device firmware %s does not support updates over serial", ack.FirmwareVersion)
	}
	if err := pkg.Validate(); err != nil {
		return err
	}

	current := "unknown"
	if ack != nil {
		current = ack.FirmwareVersion
	}
	fmt.Printf("Flashing firmware %s (device has %s, %d files)\n", pkg.Version, current, len(pkg.Files))
	if !yes && !ConfirmAction("Do not unplug the device during the update. Type 'yes' to continue: ") {
		return errors.New("aborted by user")
	}

	err := c.FlashFirmwarePackage(ctx, pkg, api.FlashOptions{Progress: printProgress})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Firmware %s committed. The device will restart.\n", pkg.Version)
	return nil
}

func printProgress(p firmware.TransferProgress) {
	bar := progressBar(p.Percent(), 30)
	label := p.Phase
	if p.Path != "" {
		label = p.Path
	}
	fmt.Printf("\r  [%s] %5.1f%%  chunk %d/%d  %-32s", bar, p.Percent()*100, p.ChunksSent, p.TotalChunks, label)
}

func progressBar(frac float64, width int) string {
	n := int(frac * float64(width))
	n = max(0, min(n, width))
	return strings.Repeat("=", n) + strings.Repeat(" ", width-n)
}
