package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/simulator"
	"github.com/vitaminmoo/thxc-tool/internal/state"
)

func TestHandshakeEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.connect()

	ack, err := h.client.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thx-c", ack.Device)
	assert.EqualValues(t, 1, ack.ProtocolVersion)
	assert.Equal(t, "0.9.4", ack.FirmwareVersion)
	assert.True(t, ack.HasFeature(protocol.FeatureFirmwareUpdate))
	assert.True(t, ack.State.Equal(state.Default()))
	assert.False(t, ack.Migrated)
	assert.Same(t, ack, h.client.Device())

	require.Equal(t, 1, h.dev.Count(protocol.TypeHello))
	var hello protocol.HelloRequest
	require.NoError(t, h.dev.Received()[0].DecodePayload(&hello))
	assert.Equal(t, "thxc-tool", hello.Client)
	assert.Equal(t, 1, hello.RequestedProtocolVersion)
}

func TestHandshakeTimeoutSendsEveryAttempt(t *testing.T) {
	h := newHarness(t, WithHandshake(3, 30*time.Millisecond))
	h.dev.SetOverride(silence(protocol.TypeHello))
	h.connect()

	_, err := h.client.Handshake(context.Background())
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Contains(t, err.Error(), "hello")
	assert.Equal(t, 3, h.dev.Count(protocol.TypeHello))
	assert.Len(t, h.eventsContaining("retrying"), 2)
	assert.Nil(t, h.client.Device())
	assert.Zero(t, h.client.pending.len())
}

func TestHandshakeRecoversAfterLostAck(t *testing.T) {
	h := newHarness(t, WithHandshake(3, 30*time.Millisecond))
	var dropped atomic.Bool
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		if req.Type == protocol.TypeHello && dropped.CompareAndSwap(false, true) {
			return nil, true
		}
		return nil, false
	})
	h.connect()

	_, err := h.client.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.dev.Count(protocol.TypeHello))
}

func TestHandshakeFallbackMatchesStaleID(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		if req.Type != protocol.TypeHello {
			return nil, false
		}
		return []string{helloAckLine("boot-7", nil)}, true
	})
	h.connect()

	ack, err := h.client.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thx-c", ack.Device)
	assert.Equal(t, 1, h.dev.Count(protocol.TypeHello))
	assert.Len(t, h.eventsContaining("unknown id boot-7"), 1)
}

func TestHandshakeRejectsOtherProtocolVersion(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		return []string{helloAckLine(req.ID, func(p map[string]any) { p["protocolVersion"] = 2 })}, true
	})
	h.connect()

	_, err := h.client.Handshake(context.Background())
	require.ErrorIs(t, err, protocol.ErrUnsupportedVersion)
	assert.Equal(t, 1, h.dev.Count(protocol.TypeHello))
}

func TestHandshakeRejectsMalformedAck(t *testing.T) {
	cases := map[string]func(p map[string]any){
		"missing device":   func(p map[string]any) { delete(p, "device") },
		"null device":      func(p map[string]any) { p["device"] = nil },
		"null version":     func(p map[string]any) { p["protocolVersion"] = nil },
		"features string":  func(p map[string]any) { p["features"] = "ping" },
		"null features":    func(p map[string]any) { p["features"] = nil },
		"numeric firmware": func(p map[string]any) { p["firmwareVersion"] = 9 },
		"null firmware":    func(p map[string]any) { p["firmwareVersion"] = nil },
		"bad state":        func(p map[string]any) { p["state"] = map[string]any{"notePreset": "piano"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
				return []string{helloAckLine(req.ID, mutate)}, true
			})
			h.connect()

			_, err := h.client.Handshake(context.Background())
			require.ErrorIs(t, err, protocol.ErrInvalidPayload)
			assert.Equal(t, 1, h.dev.Count(protocol.TypeHello))
		})
	}
}

func TestHandshakeMigratesLegacyState(t *testing.T) {
	h := newHarness(t)
	h.dev.SetHelloState(json.RawMessage(`{"showBlackKeys":false,"modifierChords":{"12":"maj9","13":"bogus"}}`))
	h.connect()

	ack, err := h.client.Handshake(context.Background())
	require.NoError(t, err)
	assert.True(t, ack.Migrated)

	want := state.Default()
	want.NotePreset.Piano.BlackKeyColor = want.NotePreset.Piano.WhiteKeyColor
	want.ModifierChords["12"] = "maj9"
	assert.Equal(t, want, ack.State)
	assert.Len(t, h.eventsContaining("legacy state"), 1)
}

func TestHandshakeNormalizesState(t *testing.T) {
	h := newHarness(t)
	s := state.Default()
	s.NotePreset.Gradient.ColorA = "#FF4B5A"
	s.NotePreset.Rain.Speed = 9
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	h.dev.SetHelloState(raw)
	h.connect()

	ack, err := h.client.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "#ff4b5a", ack.State.NotePreset.Gradient.ColorA)
	assert.InDelta(t, state.MaxSpeed, ack.State.NotePreset.Rain.Speed, 1e-9)
}

func TestGetState(t *testing.T) {
	h := newHarness(t)
	s := state.Default()
	s.NotePreset.Mode = state.ModeGradient
	s.ModifierChords["15"] = "min79"
	h.dev.SetState(s)
	h.connect()

	got, err := h.client.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestApplyConfig(t *testing.T) {
	h := newHarness(t)
	h.connect()

	s := state.Default()
	s.NotePreset.Mode = state.ModeGradient
	s.NotePreset.Gradient.ColorA = "#ABCDEF"
	s.NotePreset.Gradient.Speed = 2.5

	res, err := h.client.ApplyConfig(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, state.ModeGradient, res.State.NotePreset.Mode)
	assert.Equal(t, "#abcdef", res.State.NotePreset.Gradient.ColorA)
	assert.Equal(t, "#ABCDEF", s.NotePreset.Gradient.ColorA)
	assert.Equal(t, res.State, h.dev.State())

	require.Equal(t, 1, h.dev.Count(protocol.TypeApplyConfig))
	var req protocol.ApplyConfigRequest
	require.NoError(t, h.dev.Received()[0].DecodePayload(&req))
	assert.Equal(t, req.ConfigID, res.AppliedConfigID)
	assert.NotEmpty(t, req.IdempotencyKey)
	assert.NotEqual(t, req.ConfigID, req.IdempotencyKey)
}

func TestApplyConfigRejectsInvalidStateBeforeSending(t *testing.T) {
	h := newHarness(t)
	h.connect()

	s := state.Default()
	s.NotePreset.Gradient.Speed = 5
	_, err := h.client.ApplyConfig(context.Background(), s)
	require.ErrorIs(t, err, protocol.ErrInvalidConfig)
	var verr *state.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "state.notePreset.gradient.speed", verr.Field)

	s = state.Default()
	delete(s.ModifierChords, "14")
	_, err = h.client.ApplyConfig(context.Background(), s)
	require.ErrorIs(t, err, protocol.ErrInvalidConfig)

	assert.Zero(t, h.dev.Count(protocol.TypeApplyConfig))
	events := h.eventsContaining("config rejected")
	require.Len(t, events, 2)
	assert.Equal(t, LevelError, events[0].Level)
}

func TestApplyConfigStopsOnPermanentNack(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		if req.Type != protocol.TypeApplyConfig {
			return nil, false
		}
		return []string{simulator.NackLine(req, "storage_full", "No space left.", false)}, true
	})
	h.connect()

	_, err := h.client.ApplyConfig(context.Background(), state.Default())
	require.ErrorIs(t, err, protocol.ErrNack)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "storage_full", perr.Code)
	assert.Contains(t, perr.Message, "No space left.")
	assert.False(t, perr.Retryable)
	assert.Equal(t, 1, h.dev.Count(protocol.TypeApplyConfig))
}

func TestApplyConfigRetriesRetryableNack(t *testing.T) {
	h := newHarness(t)
	var nacked atomic.Bool
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		if req.Type == protocol.TypeApplyConfig && nacked.CompareAndSwap(false, true) {
			return []string{simulator.NackLine(req, "busy", "Writing flash.", true)}, true
		}
		return nil, false
	})
	h.connect()

	_, err := h.client.ApplyConfig(context.Background(), state.Default())
	require.NoError(t, err)

	var keys []string
	for _, env := range h.dev.Received() {
		var req protocol.ApplyConfigRequest
		require.NoError(t, env.DecodePayload(&req))
		keys = append(keys, req.IdempotencyKey)
	}
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestApplyConfigGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(20*time.Millisecond))
	h.dev.SetOverride(silence(protocol.TypeApplyConfig))
	h.connect()

	_, err := h.client.ApplyConfig(context.Background(), state.Default())
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Equal(t, h.client.Config().ApplyAttempts, h.dev.Count(protocol.TypeApplyConfig))
}

func TestApplyConfigDefaultsAppliedID(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		return []string{simulator.AckLine(req, map[string]any{"state": state.Default()})}, true
	})
	h.connect()

	res, err := h.client.ApplyConfig(context.Background(), state.Default())
	require.NoError(t, err)
	var req protocol.ApplyConfigRequest
	require.NoError(t, h.dev.Received()[0].DecodePayload(&req))
	assert.Equal(t, req.ConfigID, res.AppliedConfigID)
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	h.connect()

	pong, err := h.client.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, pong.DeviceTimestamp)
	assert.Positive(t, pong.RTT)
}
