package api

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/retry"
	"github.com/vitaminmoo/thxc-tool/internal/simulator"
	"github.com/vitaminmoo/thxc-tool/internal/state"
	"github.com/vitaminmoo/thxc-tool/internal/transport"
)

type harness struct {
	t      *testing.T
	dev    *simulator.Device
	host   *transport.PipeHost
	client *Client

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, dev: simulator.New()}
	h.host = transport.NewPipeHost(h.dev.Serve)
	base := []Option{
		WithIDGenerator(protocol.NewSequenceIDs("req")),
		WithRequestTimeout(300 * time.Millisecond),
		WithHandshake(3, 300*time.Millisecond),
		WithFirmwareTimeout(300 * time.Millisecond),
		WithBackoff(retry.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2}),
		WithEvents(h.record),
	}
	h.client = New(h.host, append(base, opts...)...)
	t.Cleanup(func() { _ = h.client.Disconnect() })
	return h
}

func (h *harness) record(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.client.Connect(context.Background()))
}

// eventsContaining returns the events whose message contains substr.
func (h *harness) eventsContaining(substr string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

// silence makes the device swallow every request of the given types.
func silence(types ...string) simulator.Override {
	return func(req *protocol.Envelope) ([]string, bool) {
		for _, t := range types {
			if req.Type == t {
				return nil, true
			}
		}
		return nil, false
	}
}

func helloAckLine(id string, mutate func(p map[string]any)) string {
	p := map[string]any{
		"device":          "thx-c",
		"protocolVersion": 1,
		"features":        simulator.DefaultFeatures,
		"firmwareVersion": "0.9.4",
		"state":           state.Default(),
	}
	if mutate != nil {
		mutate(p)
	}
	return simulator.ReplyLine(protocol.TypeHelloAck, id, p)
}

func TestSendWithoutConnection(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.GetState(context.Background())
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.Zero(t, h.dev.Count(protocol.TypeGetState))
}

func TestConnectWithoutSerialSupport(t *testing.T) {
	c := New(nil)
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrSerialUnsupported)
	assert.False(t, c.Connected())
}

func TestResponsesCorrelateByID(t *testing.T) {
	h := newHarness(t)
	custom := state.Default()
	custom.NotePreset.Mode = state.ModeRain
	h.dev.SetState(custom)
	h.connect()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, results[i] = h.client.Ping(context.Background())
				return
			}
			s, err := h.client.GetState(context.Background())
			if err == nil && s.NotePreset.Mode != state.ModeRain {
				err = assert.AnError
			}
			results[i] = err
		}()
	}
	wg.Wait()

	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.Zero(t, h.client.pending.len())
}

func TestUncorrelatedFrameIsReported(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		if req.Type != protocol.TypePing {
			return nil, false
		}
		stray := *req
		stray.ID = "ghost"
		return []string{
			simulator.AckLine(&stray, nil),
			simulator.AckLine(req, map[string]any{"pongTs": 42}),
		}, true
	})
	h.connect()

	pong, err := h.client.Ping(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, pong.DeviceTimestamp)
	assert.Eventually(t, func() bool {
		return len(h.eventsContaining("uncorrelated ack frame with id ghost")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceErrorResponse(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		return []string{simulator.ErrorLine(req, "internal_error", "Device state is invalid.")}, true
	})
	h.connect()

	_, err := h.client.GetState(context.Background())
	require.ErrorIs(t, err, protocol.ErrDevice)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "internal_error", perr.Code)
	assert.Equal(t, "Device state is invalid.", perr.Message)
	assert.False(t, perr.Retryable)
}

func TestUnsupportedTypeFromDevice(t *testing.T) {
	h := newHarness(t)
	h.connect()

	_, err := h.client.SendRequest(context.Background(), "reboot", nil, []string{protocol.TypeAck}, time.Second)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.KindDevice, perr.Kind)
	assert.Equal(t, simulator.CodeUnsupportedType, perr.Code)
}

func TestUnexpectedResponseType(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		return []string{simulator.ReplyLine(protocol.TypeHelloAck, req.ID, map[string]any{})}, true
	})
	h.connect()

	_, err := h.client.Ping(context.Background())
	assert.ErrorIs(t, err, protocol.ErrUnexpectedResponse)
}

func TestMalformedNack(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		return []string{simulator.ReplyLine(protocol.TypeNack, req.ID, map[string]any{
			"requestType": req.Type,
			"code":        "busy",
		})}, true
	})
	h.connect()

	_, err := h.client.GetState(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidNack)
}

func TestAckRequestTypeMismatch(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		other := *req
		other.Type = protocol.TypeGetState
		return []string{simulator.AckLine(&other, nil)}, true
	})
	h.connect()

	_, err := h.client.Ping(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidAck)
	assert.Equal(t, 1, h.dev.Count(protocol.TypePing))
}

func TestAckStatusMustBeOK(t *testing.T) {
	h := newHarness(t)
	h.dev.SetOverride(func(req *protocol.Envelope) ([]string, bool) {
		return []string{simulator.AckLine(req, map[string]any{"status": "pending"})}, true
	})
	h.connect()

	_, err := h.client.Ping(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidAck)
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(30*time.Millisecond))
	h.dev.SetOverride(silence(protocol.TypeGetState))
	h.connect()

	_, err := h.client.GetState(context.Background())
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.True(t, protocol.IsRetryable(err))
	assert.Contains(t, err.Error(), "get_state")
	assert.Zero(t, h.client.pending.len())
}

func TestContextCancelRemovesPending(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(time.Minute))
	h.dev.SetOverride(silence(protocol.TypeGetState))
	h.connect()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.client.GetState(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.client.pending.len() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, h.client.pending.len())
}

func TestDisconnectRejectsPending(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(time.Minute))
	h.dev.SetOverride(silence(protocol.TypeGetState, protocol.TypePing))
	h.connect()

	errc := make(chan error, 2)
	go func() {
		_, err := h.client.GetState(context.Background())
		errc <- err
	}()
	go func() {
		_, err := h.client.Ping(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.client.pending.len() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h.client.Disconnect())
	for range 2 {
		err := <-errc
		assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
		assert.True(t, protocol.IsRetryable(err))
	}
	assert.Zero(t, h.client.pending.len())
	assert.False(t, h.client.Connected())
	assert.Empty(t, h.eventsContaining("device disconnected"))
}

func TestUnexpectedDisconnect(t *testing.T) {
	lost := make(chan error, 1)
	h := newHarness(t, WithRequestTimeout(time.Minute), WithOnDisconnect(func(err error) { lost <- err }))
	h.dev.SetOverride(silence(protocol.TypeGetState))
	h.connect()

	errc := make(chan error, 1)
	go func() {
		_, err := h.client.GetState(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.client.pending.len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.host.Last().Device().Close())

	assert.ErrorIs(t, <-errc, protocol.ErrConnectionClosed)
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.False(t, h.client.Connected())
	assert.Len(t, h.eventsContaining("device disconnected"), 1)
}

func TestBootNoiseIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.dev.BootNoise = []string{
		"Auto-reload is off.\r\n",
		"code.py output:\r\n",
		"\x1b]0;booting\x1b\\\r\n",
	}
	h.connect()

	_, err := h.client.Handshake(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.eventsContaining("ignored device text"), 1)
}

func TestOversizedRequestIsNotSent(t *testing.T) {
	h := newHarness(t)
	h.connect()

	_, err := h.client.SendRequest(context.Background(), protocol.TypePing, map[string]string{
		"pad": strings.Repeat("x", protocol.MaxFrameSize),
	}, []string{protocol.TypeAck}, time.Second)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Zero(t, h.client.pending.len())
	assert.Zero(t, h.dev.Count(protocol.TypePing))
}

func TestReconnectKeepsPartialFrame(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(time.Minute))
	h.dev.SetOverride(silence(protocol.TypePing))
	h.connect()

	errc := make(chan error, 1)
	go func() {
		_, err := h.client.Ping(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.dev.Count(protocol.TypePing) == 1 }, time.Second, time.Millisecond)

	ack := simulator.AckLine(h.dev.Received()[0], map[string]any{"pongTs": 7})
	half := len(ack) / 2
	h.client.HandleData([]byte(ack[:half]))
	require.NoError(t, h.client.Connect(context.Background()))
	assert.True(t, h.client.Connected())
	h.client.HandleData([]byte(ack[half:]))

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ping never completed")
	}
	assert.Zero(t, h.client.pending.len())
}

func TestZeroTimeoutsKeepDefaults(t *testing.T) {
	c := New(nil, WithRequestTimeout(0), WithHandshake(0, 0), WithFirmwareTimeout(-time.Second))
	def := DefaultConfig()
	cfg := c.Config()
	assert.Equal(t, def.RequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, def.HandshakeAttempts, cfg.HandshakeAttempts)
	assert.Equal(t, def.HandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, def.FirmwareTimeout, cfg.FirmwareTimeout)
}

func TestZeroRequestTimeoutStillTimesOut(t *testing.T) {
	h := newHarness(t, WithRequestTimeout(30*time.Millisecond))
	h.dev.SetOverride(silence(protocol.TypePing))
	h.connect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.client.SendRequest(ctx, protocol.TypePing, nil, []string{protocol.TypeAck}, 0)
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.NoError(t, ctx.Err())
	assert.Zero(t, h.client.pending.len())
}
