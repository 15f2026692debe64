package protocol

import (
	"encoding/json"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// Message types
const (
	TypeHello                = "hello"
	TypeHelloAck             = "hello_ack"
	TypeGetState             = "get_state"
	TypeApplyConfig          = "apply_config"
	TypePing                 = "ping"
	TypeAck                  = "ack"
	TypeNack                 = "nack"
	TypeError                = "error"
	TypeFirmwareBegin        = "firmware_begin"
	TypeFirmwareChunk        = "firmware_chunk"
	TypeFirmwareFileComplete = "firmware_file_complete"
	TypeFirmwareCommit       = "firmware_commit"
	TypeFirmwareAbort        = "firmware_abort"
)

// FeatureFirmwareUpdate is advertised in hello_ack by firmware that accepts
// the firmware_* messages.
const FeatureFirmwareUpdate = "firmware_update_v1"

// HelloRequest is the hello payload.
type HelloRequest struct {
	Client                   string `json:"client"`
	RequestedProtocolVersion int    `json:"requestedProtocolVersion"`
}

// HelloAck is the validated hello_ack payload. State is always normalized.
type HelloAck struct {
	Device          string            `json:"device"`
	ProtocolVersion float64           `json:"protocolVersion"`
	Features        []string          `json:"features"`
	FirmwareVersion string            `json:"firmwareVersion"`
	State           state.DeviceState `json:"state"`
	// Migrated is set when the device reported a legacy state shape.
	Migrated bool `json:"-"`
}

// HasFeature reports whether the device advertised name.
func (h *HelloAck) HasFeature(name string) bool {
	for _, f := range h.Features {
		if f == name {
			return true
		}
	}
	return false
}

// AckPayload holds the fields common to every ack. Raw keeps the full
// payload for request specific fields.
type AckPayload struct {
	RequestType string          `json:"requestType"`
	Status      string          `json:"status,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// NackPayload is a device side refusal.
type NackPayload struct {
	RequestType string `json:"requestType"`
	Code        string `json:"code"`
	Reason      string `json:"reason"`
	Retryable   bool   `json:"retryable"`
}

// ErrorPayload is sent by the device for frames it could not handle.
type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ApplyConfigRequest is the apply_config payload.
type ApplyConfigRequest struct {
	ConfigID       string            `json:"configId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Config         state.DeviceState `json:"config"`
}

// FirmwareFileInfo describes one file in firmware_begin.
type FirmwareFileInfo struct {
	Path   string `json:"path"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256"`
}

type FirmwareBeginRequest struct {
	SessionID     string             `json:"sessionId"`
	TargetVersion string             `json:"targetVersion"`
	Files         []FirmwareFileInfo `json:"files"`
}

type FirmwareChunkRequest struct {
	SessionID  string `json:"sessionId"`
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunkIndex"`
	DataBase64 string `json:"dataBase64"`
}

type FirmwareFileCompleteRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Size      int    `json:"size"`
	SHA256    string `json:"sha256"`
}

type FirmwareCommitRequest struct {
	SessionID     string `json:"sessionId"`
	TargetVersion string `json:"targetVersion"`
}

type FirmwareAbortRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}
