// Package firmware loads and checks firmware packages and keeps a local
// cache of downloaded ones.
package firmware

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// Package is a firmware update artifact.
type Package struct {
	Version string        `json:"version"`
	Files   []PackageFile `json:"files"`
}

// PackageFile is one file to be written on the device.
type PackageFile struct {
	Path          string `json:"path"`
	ContentBase64 string `json:"contentBase64"`
	SHA256        string `json:"sha256"`
}

// File is a PackageFile with its content decoded and verified.
type File struct {
	Path   string
	Data   []byte
	SHA256 string
}

// ValidationError reports why a package was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("firmware package %s: %s", e.Field, e.Reason)
}

// Parse decodes a package document. It does not validate it.
func Parse(data []byte) (*Package, error) {
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse firmware package: %w", err)
	}
	return &pkg, nil
}

// Load reads a package document from disk.
func Load(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware package: %w", err)
	}
	return Parse(data)
}

// ValidVersion reports whether v looks like x.y.z, with an optional v prefix
// and pre-release suffix.
func ValidVersion(v string) bool {
	if v == "" {
		return false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	core, _, _ := strings.Cut(v, "+")
	core, _, _ = strings.Cut(core, "-")
	return semver.IsValid(v) && strings.Count(core, ".") == 2
}

// Validate checks the version, file paths and every file hash.
func (p *Package) Validate() error {
	_, err := p.Decode()
	return err
}

// Decode validates the package and returns its files with decoded content,
// in package order.
func (p *Package) Decode() ([]File, error) {
	if !ValidVersion(p.Version) {
		return nil, &ValidationError{Field: "version", Reason: fmt.Sprintf("%q is not a semantic version", p.Version)}
	}
	if len(p.Files) == 0 {
		return nil, &ValidationError{Field: "files", Reason: "must contain at least one file"}
	}

	seen := make(map[string]bool, len(p.Files))
	files := make([]File, 0, len(p.Files))
	for i, f := range p.Files {
		field := fmt.Sprintf("files[%d]", i)
		if err := checkPath(f.Path); err != nil {
			return nil, &ValidationError{Field: field + ".path", Reason: err.Error()}
		}
		if seen[f.Path] {
			return nil, &ValidationError{Field: field + ".path", Reason: fmt.Sprintf("duplicate path %s", f.Path)}
		}
		seen[f.Path] = true

		data, err := base64.StdEncoding.DecodeString(f.ContentBase64)
		if err != nil {
			return nil, &ValidationError{Field: field + ".contentBase64", Reason: "is not valid base64"}
		}
		sum := sha256.Sum256(data)
		actual := hex.EncodeToString(sum[:])
		if !strings.EqualFold(actual, f.SHA256) {
			return nil, &ValidationError{
				Field:  field + ".sha256",
				Reason: fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", f.Path, f.SHA256, actual),
			}
		}
		files = append(files, File{Path: f.Path, Data: data, SHA256: actual})
	}
	return files, nil
}

func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%q must be absolute", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("%q must not contain ..", p)
		}
	}
	if p == "/" || strings.HasSuffix(p, "/") {
		return fmt.Errorf("%q must name a file", p)
	}
	return nil
}

// ChunkCount returns how many chunks of chunkSize bytes a file of size
// bytes is split into.
func ChunkCount(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Chunks splits data into slices of at most chunkSize bytes.
func Chunks(data []byte, chunkSize int) [][]byte {
	chunks := make([][]byte, 0, ChunkCount(len(data), chunkSize))
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// Build creates a package from every regular file under dir. Device paths
// are the file paths relative to dir, rooted at /.
func Build(dir, version string) (*Package, error) {
	pkg := &Package{Version: version}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		pkg.Files = append(pkg.Files, PackageFile{
			Path:          path.Join("/", filepath.ToSlash(rel)),
			ContentBase64: base64.StdEncoding.EncodeToString(data),
			SHA256:        hex.EncodeToString(sum[:]),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build firmware package: %w", err)
	}
	sort.Slice(pkg.Files, func(i, j int) bool { return pkg.Files[i].Path < pkg.Files[j].Path })
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// TotalSize returns the decoded size of all files.
func TotalSize(files []File) int64 {
	var n int64
	for _, f := range files {
		n += int64(len(f.Data))
	}
	return n
}
