package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache keeps downloaded firmware packages on disk, one file per version.
type Cache struct {
	baseDir string
}

// CacheEntry represents a cached firmware package.
type CacheEntry struct {
	Path       string
	Version    string
	FileSize   int64
	Downloaded time.Time
}

// DefaultCachePath returns the default cache directory.
func DefaultCachePath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		// Fallback to home directory
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "thxc", "firmware"), nil
}

// NewCacheAt creates a cache at the specified path.
func NewCacheAt(path string) (*Cache, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{baseDir: path}, nil
}

// Path returns the cache directory path.
func (c *Cache) Path() string {
	return c.baseDir
}

// GetPath returns the cache path for a firmware version.
func (c *Cache) GetPath(version string) string {
	safeVersion := strings.ReplaceAll(version, "/", "_")
	return filepath.Join(c.baseDir, fmt.Sprintf("thxc_%s.json", safeVersion))
}

// Get returns the cached package for version when present and, if
// expectedSHA256 is set, matching it. Corrupt entries are removed.
func (c *Cache) Get(version, expectedSHA256 string) (*Package, bool) {
	data, err := os.ReadFile(c.GetPath(version))
	if err != nil {
		return nil, false
	}
	if expectedSHA256 != "" && !strings.EqualFold(sha256Hex(data), expectedSHA256) {
		os.Remove(c.GetPath(version))
		return nil, false
	}
	pkg, err := Parse(data)
	if err != nil || pkg.Version != version {
		os.Remove(c.GetPath(version))
		return nil, false
	}
	return pkg, true
}

// Download fetches a release through mc, verifies it and stores it.
func (c *Cache) Download(mc *ManifestClient, r Release, progress ProgressCallback) (*Package, error) {
	if pkg, ok := c.Get(r.Version, r.SHA256); ok {
		if progress != nil {
			progress(TransferProgress{Phase: PhaseDownload, BytesSent: r.Size, TotalBytes: r.Size})
		}
		return pkg, nil
	}

	data, err := mc.Fetch(r.URL)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(TransferProgress{Phase: PhaseDownload, BytesSent: int64(len(data)), TotalBytes: int64(len(data))})
	}

	if actual := sha256Hex(data); r.SHA256 != "" && !strings.EqualFold(actual, r.SHA256) {
		return nil, fmt.Errorf("checksum mismatch: expected %s, got %s", r.SHA256, actual)
	}
	pkg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if pkg.Version != r.Version {
		return nil, fmt.Errorf("package version %s does not match release %s", pkg.Version, r.Version)
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	if err := c.write(r.Version, data); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (c *Cache) write(version string, data []byte) error {
	destPath := c.GetPath(version)
	tmpPath := destPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	return nil
}

// List returns all cached packages.
func (c *Cache) List() ([]CacheEntry, error) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var result []CacheEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "thxc_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, CacheEntry{
			Path:       filepath.Join(c.baseDir, name),
			Version:    strings.TrimPrefix(strings.TrimSuffix(name, ".json"), "thxc_"),
			FileSize:   info.Size(),
			Downloaded: info.ModTime(),
		})
	}
	return result, nil
}

// Remove removes a specific cached version.
func (c *Cache) Remove(version string) error {
	err := os.Remove(c.GetPath(version))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
