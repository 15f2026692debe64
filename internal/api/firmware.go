package api

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/firmware"
	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/retry"
)

// FlashOptions tunes one firmware transfer. Zero fields use the client config.
type FlashOptions struct {
	ChunkSize     int
	BeginAttempts int
	Progress      firmware.ProgressCallback
}

// flashSession carries the running totals reported to the progress callback.
type flashSession struct {
	id       string
	version  string
	files    []firmware.File
	progress firmware.TransferProgress
	report   firmware.ProgressCallback
}

func (s *flashSession) emit(phase, path string) {
	s.progress.Phase = phase
	s.progress.Path = path
	if s.report != nil {
		s.report(s.progress)
	}
}

// FlashFirmwarePackage uploads pkg to the device: begin, every file in
// chunks followed by its file_complete, then commit. The package is
// validated before anything is sent. If any step after begin fails the
// session is aborted and the original error is returned.
func (c *Client) FlashFirmwarePackage(ctx context.Context, pkg *firmware.Package, opts FlashOptions) error {
	files, err := pkg.Decode()
	if err != nil {
		c.fail("firmware package rejected: %v", err)
		return &protocol.Error{Kind: protocol.KindInvalidPackage, RequestType: protocol.TypeFirmwareBegin, Message: err.Error(), Err: err}
	}

	if !c.flashing.CompareAndSwap(false, true) {
		return protocol.NewError(protocol.KindBusy, "a firmware update is already in progress")
	}
	defer c.flashing.Store(false)

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.cfg.ChunkSize
	}
	beginAttempts := opts.BeginAttempts
	if beginAttempts <= 0 {
		beginAttempts = c.cfg.BeginAttempts
	}

	s := &flashSession{
		id:      c.ids.NextID(),
		version: pkg.Version,
		files:   files,
		report:  opts.Progress,
	}
	s.progress.TotalFiles = len(files)
	s.progress.TotalBytes = firmware.TotalSize(files)
	for _, f := range files {
		s.progress.TotalChunks += firmware.ChunkCount(len(f.Data), chunkSize)
	}

	c.info("starting firmware update to %s (%d files, %d bytes)", pkg.Version, len(files), s.progress.TotalBytes)

	if err := c.firmwareBegin(ctx, s, beginAttempts); err != nil {
		c.fail("firmware_begin failed: %v", err)
		return err
	}
	s.emit(firmware.PhaseBegin, "")

	if err := c.firmwareTransfer(ctx, s, chunkSize); err != nil {
		c.fail("firmware update failed: %v", err)
		c.firmwareAbort(s.id, truncate(err.Error(), 200))
		return err
	}

	c.info("firmware %s committed", pkg.Version)
	return nil
}

func (c *Client) firmwareBegin(ctx context.Context, s *flashSession, attempts int) error {
	manifest := make([]protocol.FirmwareFileInfo, 0, len(s.files))
	for _, f := range s.files {
		manifest = append(manifest, protocol.FirmwareFileInfo{Path: f.Path, Size: len(f.Data), SHA256: f.SHA256})
	}
	req := protocol.FirmwareBeginRequest{SessionID: s.id, TargetVersion: s.version, Files: manifest}

	return retry.Do(ctx, retry.Policy{
		Attempts: attempts,
		Backoff:  c.cfg.Backoff,
		ShouldRetry: func(err error) bool {
			return protocol.KindOf(err) == protocol.KindTimeout
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.info("firmware_begin attempt %d/%d timed out; retrying in %s", attempt, attempts, delay)
		},
	}, func(ctx context.Context, attempt int) error {
		_, err := c.sendAck(ctx, protocol.TypeFirmwareBegin, req, c.cfg.FirmwareTimeout)
		return err
	})
}

func (c *Client) firmwareTransfer(ctx context.Context, s *flashSession, chunkSize int) error {
	for i, f := range s.files {
		s.progress.FileIndex = i
		for idx, chunk := range firmware.Chunks(f.Data, chunkSize) {
			req := protocol.FirmwareChunkRequest{
				SessionID:  s.id,
				Path:       f.Path,
				ChunkIndex: idx,
				DataBase64: base64.StdEncoding.EncodeToString(chunk),
			}
			if _, err := c.sendAck(ctx, protocol.TypeFirmwareChunk, req, c.cfg.FirmwareTimeout); err != nil {
				return err
			}
			s.progress.ChunksSent++
			s.progress.BytesSent += int64(len(chunk))
			s.emit(firmware.PhaseChunk, f.Path)
		}

		req := protocol.FirmwareFileCompleteRequest{SessionID: s.id, Path: f.Path, Size: len(f.Data), SHA256: f.SHA256}
		if _, err := c.sendAck(ctx, protocol.TypeFirmwareFileComplete, req, c.cfg.FirmwareTimeout); err != nil {
			return err
		}
		s.emit(firmware.PhaseFileComplete, f.Path)
	}

	req := protocol.FirmwareCommitRequest{SessionID: s.id, TargetVersion: s.version}
	if _, err := c.sendAck(ctx, protocol.TypeFirmwareCommit, req, c.cfg.FirmwareTimeout); err != nil {
		return err
	}
	s.emit(firmware.PhaseCommit, "")
	return nil
}

// firmwareAbort tells the device to drop the session. It runs on its own
// context since the caller's may already be cancelled, and its error is only
// logged.
func (c *Client) firmwareAbort(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FirmwareTimeout)
	defer cancel()

	req := protocol.FirmwareAbortRequest{SessionID: sessionID, Reason: reason}
	if _, err := c.sendAck(ctx, protocol.TypeFirmwareAbort, req, c.cfg.FirmwareTimeout); err != nil {
		c.log.Warn().Err(err).Str("session", sessionID).Msg("firmware_abort failed")
		return
	}
	c.info("firmware session %s aborted", sessionID)
}
