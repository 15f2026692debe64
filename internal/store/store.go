package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// ErrNotFound is returned when no preset matches a hash.
var ErrNotFound = errors.New("store: preset not found")

// ErrAmbiguous is returned when a short hash matches several presets.
var ErrAmbiguous = errors.New("store: hash prefix is ambiguous")

// Store manages a content-addressable collection of device state presets.
type Store struct {
	baseDir     string
	presetsDir  string
	metadataDir string
	indexPath   string
}

// Index contains quick lookup information for all presets.
type Index struct {
	Presets   map[string]IndexEntry `json:"presets"` // hash -> entry
	UpdatedAt time.Time             `json:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Hash      string    `json:"-"`
	Name      string    `json:"name,omitempty"`
	Mode      string    `json:"mode"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultPath returns the default store path (~/.thxc/presets).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".thxc", "presets"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:     path,
		presetsDir:  filepath.Join(path, "states"),
		metadataDir: filepath.Join(path, "metadata"),
		indexPath:   filepath.Join(path, "index.json"),
	}

	if err := os.MkdirAll(s.presetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create presets dir: %w", err)
	}
	if err := os.MkdirAll(s.metadataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}

	return s, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Path returns the store directory.
func (s *Store) Path() string {
	return s.baseDir
}

// Import adds a preset to the store. The state must pass strict validation.
// If the preset already exists (same hash), its sources are extended and a
// non-empty name replaces the old one.
// Returns the hash and whether it was a new preset.
func (s *Store) Import(st state.DeviceState, name string, source Source) (string, bool, error) {
	if err := state.Validate(st); err != nil {
		return "", false, err
	}
	st = state.Normalize(st)
	hash, err := ContentHash(st)
	if err != nil {
		return "", false, err
	}

	presetPath := filepath.Join(s.presetsDir, hashToFilename(hash)+".json")
	metaPath := filepath.Join(s.metadataDir, hashToFilename(hash)+".json")

	isNew := false
	var meta *Metadata

	if _, err := os.Stat(metaPath); os.IsNotExist(err) {
		isNew = true
		meta = ExtractMetadata(st, hash)
		meta.Name = name
		meta.Sources = []Source{source}

		data, err := canonicalJSON(st)
		if err != nil {
			return "", false, err
		}
		if err := os.WriteFile(presetPath, data, 0o644); err != nil {
			return "", false, fmt.Errorf("failed to write preset: %w", err)
		}
	} else {
		meta, err = s.GetMetadata(hash)
		if err != nil {
			return "", false, fmt.Errorf("failed to read metadata: %w", err)
		}
		if name != "" {
			meta.Name = name
		}
		meta.Sources = append(meta.Sources, source)
		meta.UpdatedAt = time.Now()
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := s.updateIndex(func(idx *Index) {
		idx.Presets[hash] = IndexEntry{
			Name:      meta.Name,
			Mode:      meta.Mode,
			Summary:   meta.Summary,
			CreatedAt: meta.CreatedAt,
		}
	}); err != nil {
		return "", false, fmt.Errorf("failed to update index: %w", err)
	}

	return hash, isNew, nil
}

// Resolve expands a full hash, a hash without the sha256: prefix or a unique
// prefix of one (as printed by ShortHash) to the full hash.
func (s *Store) Resolve(ref string) (string, error) {
	ref = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ref), "sha256:"))
	if ref == "" {
		return "", ErrNotFound
	}
	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	var match string
	for hash := range index.Presets {
		if !strings.HasPrefix(hashToFilename(hash), ref) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("%w: %s", ErrAmbiguous, ref)
		}
		match = hash
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return match, nil
}

// Get retrieves a preset by hash.
func (s *Store) Get(hash string) (state.DeviceState, error) {
	data, err := os.ReadFile(filepath.Join(s.presetsDir, hashToFilename(hash)+".json"))
	if os.IsNotExist(err) {
		return state.DeviceState{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return state.DeviceState{}, err
	}
	res, err := state.Parse(data)
	if err != nil {
		return state.DeviceState{}, fmt.Errorf("preset %s is corrupt: %w", ShortHash(hash), err)
	}
	return res.State, nil
}

// GetMetadata retrieves preset metadata by hash.
func (s *Store) GetMetadata(hash string) (*Metadata, error) {
	metaPath := filepath.Join(s.metadataDir, hashToFilename(hash)+".json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// List returns all presets, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Presets))
	for hash, entry := range index.Presets {
		entry.Hash = hash
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Hash < entries[j].Hash
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	return entries, nil
}

// Export writes a preset to a file as indented JSON.
func (s *Store) Export(hash, destPath string) error {
	st, err := s.Get(hash)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, append(data, '\n'), 0o644)
}

// Remove deletes a preset and its metadata.
func (s *Store) Remove(hash string) error {
	name := hashToFilename(hash) + ".json"
	err := os.Remove(filepath.Join(s.presetsDir, name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.metadataDir, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.updateIndex(func(idx *Index) { delete(idx.Presets, hash) })
}

// Count returns the number of presets in the store.
func (s *Store) Count() (int, error) {
	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return len(index.Presets), nil
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Presets: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Presets == nil {
		index.Presets = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(mutate func(*Index)) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	mutate(index)
	index.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}

// hashToFilename converts a full hash to a safe filename.
func hashToFilename(hash string) string {
	// Remove "sha256:" prefix
	if len(hash) > 7 && hash[:7] == "sha256:" {
		return hash[7:]
	}
	return hash
}
