package firmware

import "time"

// Release is one entry of a release manifest.
type Release struct {
	Version string    `json:"version"`
	Created time.Time `json:"created"`
	Channel string    `json:"channel,omitempty"`
	// URL points at the firmware package JSON.
	URL string `json:"url"`
	// SHA256 of the package document itself, not of the files inside it.
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Transfer phases reported through ProgressCallback.
const (
	PhaseDownload     = "download"
	PhaseBegin        = "begin"
	PhaseChunk        = "chunk"
	PhaseFileComplete = "file_complete"
	PhaseCommit       = "commit"
)

// ProgressCallback is called during long operations to report progress.
type ProgressCallback func(p TransferProgress)

// TransferProgress tracks a firmware transfer.
type TransferProgress struct {
	Phase       string
	Path        string
	FileIndex   int
	TotalFiles  int
	ChunksSent  int
	TotalChunks int
	BytesSent   int64
	TotalBytes  int64
}

// Percent returns the progress as a fraction (0.0 to 1.0).
func (p TransferProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		if p.TotalChunks == 0 {
			return 0
		}
		return float64(p.ChunksSent) / float64(p.TotalChunks)
	}
	return float64(p.BytesSent) / float64(p.TotalBytes)
}
