// Package simulator implements a thx-c device in memory. It answers the same
// requests as the firmware and records everything it receives, so the client
// can be exercised without hardware.
package simulator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/state"
	"github.com/vitaminmoo/thxc-tool/internal/transport"
)

// UnmatchedID is used for replies to frames whose id could not be read.
const UnmatchedID = "unmatched"

// Device error codes.
const (
	CodeMalformedFrame     = "malformed_frame"
	CodeUnsupportedVersion = "unsupported_version"
	CodeUnsupportedType    = "unsupported_type"
	CodeInvalidConfig      = "invalid_config"
	CodeSessionMismatch    = "session_mismatch"
	CodeChunkOutOfOrder    = "chunk_out_of_order"
	CodeFileMismatch       = "file_mismatch"
	CodeInvalidFirmware    = "invalid_firmware"
)

// DefaultFeatures is what a current firmware advertises in hello_ack.
var DefaultFeatures = []string{
	"handshake",
	"get_state",
	"apply_config",
	"ping",
	"config_persistence",
	"note_presets_v1",
	protocol.FeatureFirmwareUpdate,
}

// Override lets a test take over the reply to one request. Returning
// handled=false falls through to the normal behavior. The returned lines are
// written verbatim, so they must carry their own newline.
type Override func(req *protocol.Envelope) (lines []string, handled bool)

// Device is a simulated thx-c.
type Device struct {
	Name            string
	FirmwareVersion string
	Features        []string
	// BootNoise is written as soon as a connection is served.
	BootNoise []string

	mu         sync.Mutex
	state      state.DeviceState
	helloState json.RawMessage
	override   Override
	received   []*protocol.Envelope
	applied    map[string]string
	fw         *firmwareSession
	events     []FirmwareEvent
}

// New returns a device in its factory state.
func New() *Device {
	return &Device{
		Name:            "thx-c",
		FirmwareVersion: "0.9.4",
		Features:        append([]string(nil), DefaultFeatures...),
		state:           state.Default(),
		applied:         make(map[string]string),
	}
}

// SetState replaces the current state.
func (d *Device) SetState(s state.DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s.Clone()
}

// State returns a copy of the current state.
func (d *Device) State() state.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// SetHelloState makes hello_ack carry raw instead of the current state,
// for example a legacy document.
func (d *Device) SetHelloState(raw json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.helloState = raw
}

// SetOverride installs fn, or removes the override when fn is nil.
func (d *Device) SetOverride(fn Override) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = fn
}

// Received returns every well formed request seen so far.
func (d *Device) Received() []*protocol.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*protocol.Envelope(nil), d.received...)
}

// Count returns how many requests of msgType were received.
func (d *Device) Count(msgType string) int {
	n := 0
	for _, env := range d.Received() {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// Serve answers requests on dev until the host side goes away. It has the
// signature transport.PipeHost expects.
func (d *Device) Serve(dev *transport.DevicePipe) {
	d.ServeConn(dev)
}

// ServeConn answers requests read from rw.
func (d *Device) ServeConn(rw io.ReadWriter) {
	for _, line := range d.BootNoise {
		if _, err := io.WriteString(rw, line); err != nil {
			return
		}
	}

	dec := protocol.NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				for _, out := range d.handleFrame(f) {
					if _, werr := io.WriteString(rw, out); werr != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Device) handleFrame(f protocol.Frame) []string {
	switch {
	case f.Text != "":
		return []string{errorLine(UnmatchedID, CodeMalformedFrame, "Frame is not valid JSON.", nil)}
	case f.Err != nil:
		code := CodeMalformedFrame
		if protocol.KindOf(f.Err) == protocol.KindUnsupportedVersion {
			code = CodeUnsupportedVersion
		}
		return []string{errorLine(UnmatchedID, code, f.Err.Error(), nil)}
	}

	req := f.Envelope
	d.mu.Lock()
	d.received = append(d.received, req)
	override := d.override
	d.mu.Unlock()

	if override != nil {
		if lines, ok := override(req); ok {
			return lines
		}
	}
	return []string{d.dispatch(req)}
}

func (d *Device) dispatch(req *protocol.Envelope) string {
	switch req.Type {
	case protocol.TypeHello:
		return d.hello(req)
	case protocol.TypeGetState:
		return AckLine(req, map[string]any{"state": d.State()})
	case protocol.TypeApplyConfig:
		return d.applyConfig(req)
	case protocol.TypePing:
		return AckLine(req, map[string]any{"pongTs": time.Now().UnixMilli()})
	case protocol.TypeFirmwareBegin, protocol.TypeFirmwareChunk, protocol.TypeFirmwareFileComplete,
		protocol.TypeFirmwareCommit, protocol.TypeFirmwareAbort:
		return d.firmware(req)
	}
	return errorLine(req.ID, CodeUnsupportedType, "Unsupported message type.", map[string]any{"type": req.Type})
}

func (d *Device) hello(req *protocol.Envelope) string {
	var p struct {
		Client                   string `json:"client"`
		RequestedProtocolVersion *int   `json:"requestedProtocolVersion"`
	}
	details := map[string]any{"type": req.Type}
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.Client == "" {
		return errorLine(req.ID, CodeMalformedFrame, "hello payload.client must be a non-empty string.", details)
	}
	if p.RequestedProtocolVersion == nil {
		return errorLine(req.ID, CodeMalformedFrame, "hello payload.requestedProtocolVersion must be a number.", details)
	}
	if *p.RequestedProtocolVersion != protocol.Version {
		return errorLine(req.ID, CodeUnsupportedVersion, "Requested protocol version is unsupported.", details)
	}

	d.mu.Lock()
	var st any = d.state.Clone()
	if d.helloState != nil {
		st = d.helloState
	}
	payload := map[string]any{
		"device":          d.Name,
		"protocolVersion": protocol.Version,
		"features":        d.Features,
		"firmwareVersion": d.FirmwareVersion,
		"state":           st,
	}
	d.mu.Unlock()
	return line(protocol.TypeHelloAck, req.ID, payload)
}

func (d *Device) applyConfig(req *protocol.Envelope) string {
	var p struct {
		ConfigID       string          `json:"configId"`
		IdempotencyKey string          `json:"idempotencyKey"`
		Config         json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return NackLine(req, CodeInvalidConfig, "apply_config payload must be an object.", false)
	}
	if p.ConfigID == "" {
		return NackLine(req, CodeInvalidConfig, "apply_config payload.configId must be a string.", false)
	}
	if p.IdempotencyKey == "" {
		return NackLine(req, CodeInvalidConfig, "apply_config payload.idempotencyKey must be a string.", false)
	}
	res, err := state.Parse(p.Config)
	if err != nil {
		return NackLine(req, CodeInvalidConfig, "apply_config payload.config is invalid.", false)
	}

	d.mu.Lock()
	applied, seen := d.applied[p.IdempotencyKey]
	if !seen {
		d.state = res.State
		applied = p.ConfigID
		d.applied[p.IdempotencyKey] = applied
	}
	current := d.state.Clone()
	d.mu.Unlock()

	return AckLine(req, map[string]any{"state": current, "appliedConfigId": applied})
}

func line(msgType, id string, payload any) string {
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		panic(err)
	}
	data, err := protocol.Encode(env)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// AckLine encodes an ack for req with extra merged into its payload.
func AckLine(req *protocol.Envelope, extra map[string]any) string {
	payload := map[string]any{"requestType": req.Type, "status": "ok"}
	for k, v := range extra {
		payload[k] = v
	}
	return line(protocol.TypeAck, req.ID, payload)
}

// NackLine encodes a nack for req.
func NackLine(req *protocol.Envelope, code, reason string, retryable bool) string {
	return line(protocol.TypeNack, req.ID, map[string]any{
		"requestType": req.Type,
		"code":        code,
		"reason":      reason,
		"retryable":   retryable,
	})
}

// ErrorLine encodes an error reply to req.
func ErrorLine(req *protocol.Envelope, code, message string) string {
	return errorLine(req.ID, code, message, map[string]any{"type": req.Type})
}

// ReplyLine encodes an arbitrary reply of msgType with the given id.
func ReplyLine(msgType, id string, payload any) string {
	return line(msgType, id, payload)
}

func errorLine(id, code, message string, details map[string]any) string {
	payload := map[string]any{"code": code, "message": message}
	if details != nil {
		payload["details"] = details
	}
	return line(protocol.TypeError, id, payload)
}

// FirmwareEvent records one firmware request the device accepted.
type FirmwareEvent struct {
	Type       string
	SessionID  string
	Path       string
	ChunkIndex int
}

// FirmwareEvents returns the accepted firmware requests in order.
func (d *Device) FirmwareEvents() []FirmwareEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FirmwareEvent(nil), d.events...)
}

type firmwareSession struct {
	id      string
	version string
	files   map[string]protocol.FirmwareFileInfo
	data    map[string][]byte
	next    map[string]int
	done    map[string]bool
}

func (d *Device) firmware(req *protocol.Envelope) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Type {
	case protocol.TypeFirmwareBegin:
		var p protocol.FirmwareBeginRequest
		if err := req.DecodePayload(&p); err != nil || p.SessionID == "" || len(p.Files) == 0 {
			return NackLine(req, CodeInvalidFirmware, "firmware_begin payload is invalid.", false)
		}
		s := &firmwareSession{
			id:      p.SessionID,
			version: p.TargetVersion,
			files:   make(map[string]protocol.FirmwareFileInfo, len(p.Files)),
			data:    make(map[string][]byte),
			next:    make(map[string]int),
			done:    make(map[string]bool),
		}
		for _, f := range p.Files {
			s.files[f.Path] = f
		}
		d.fw = s
		d.events = append(d.events, FirmwareEvent{Type: req.Type, SessionID: p.SessionID})
		return AckLine(req, nil)

	case protocol.TypeFirmwareChunk:
		var p protocol.FirmwareChunkRequest
		if err := req.DecodePayload(&p); err != nil {
			return NackLine(req, CodeInvalidFirmware, "firmware_chunk payload is invalid.", false)
		}
		if d.fw == nil || d.fw.id != p.SessionID {
			return NackLine(req, CodeSessionMismatch, "No matching firmware session.", false)
		}
		if _, ok := d.fw.files[p.Path]; !ok {
			return NackLine(req, CodeFileMismatch, "Unknown file "+p.Path+".", false)
		}
		if p.ChunkIndex != d.fw.next[p.Path] {
			return NackLine(req, CodeChunkOutOfOrder, "Unexpected chunk index.", false)
		}
		data, err := base64.StdEncoding.DecodeString(p.DataBase64)
		if err != nil {
			return NackLine(req, CodeInvalidFirmware, "Chunk is not valid base64.", false)
		}
		d.fw.data[p.Path] = append(d.fw.data[p.Path], data...)
		d.fw.next[p.Path]++
		d.events = append(d.events, FirmwareEvent{Type: req.Type, SessionID: p.SessionID, Path: p.Path, ChunkIndex: p.ChunkIndex})
		return AckLine(req, nil)

	case protocol.TypeFirmwareFileComplete:
		var p protocol.FirmwareFileCompleteRequest
		if err := req.DecodePayload(&p); err != nil {
			return NackLine(req, CodeInvalidFirmware, "firmware_file_complete payload is invalid.", false)
		}
		if d.fw == nil || d.fw.id != p.SessionID {
			return NackLine(req, CodeSessionMismatch, "No matching firmware session.", false)
		}
		data := d.fw.data[p.Path]
		sum := sha256.Sum256(data)
		if len(data) != p.Size || !strings.EqualFold(hex.EncodeToString(sum[:]), p.SHA256) {
			return NackLine(req, CodeFileMismatch, "File does not match its manifest entry.", false)
		}
		d.fw.done[p.Path] = true
		d.events = append(d.events, FirmwareEvent{Type: req.Type, SessionID: p.SessionID, Path: p.Path})
		return AckLine(req, nil)

	case protocol.TypeFirmwareCommit:
		var p protocol.FirmwareCommitRequest
		if err := req.DecodePayload(&p); err != nil {
			return NackLine(req, CodeInvalidFirmware, "firmware_commit payload is invalid.", false)
		}
		if d.fw == nil || d.fw.id != p.SessionID {
			return NackLine(req, CodeSessionMismatch, "No matching firmware session.", false)
		}
		for path := range d.fw.files {
			if !d.fw.done[path] {
				return NackLine(req, CodeFileMismatch, "File "+path+" was not completed.", false)
			}
		}
		d.FirmwareVersion = d.fw.version
		d.fw = nil
		d.events = append(d.events, FirmwareEvent{Type: req.Type, SessionID: p.SessionID})
		return AckLine(req, map[string]any{"resetQueued": true})

	default:
		var p protocol.FirmwareAbortRequest
		if err := req.DecodePayload(&p); err != nil {
			return NackLine(req, CodeInvalidFirmware, "firmware_abort payload is invalid.", false)
		}
		if d.fw != nil && d.fw.id == p.SessionID {
			d.fw = nil
		}
		d.events = append(d.events, FirmwareEvent{Type: req.Type, SessionID: p.SessionID})
		return AckLine(req, nil)
	}
}
