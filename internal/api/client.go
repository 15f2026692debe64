package api

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vitaminmoo/thxc-tool/internal/config"
	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/transport"
	"github.com/vitaminmoo/thxc-tool/internal/util"
)

// Client speaks the thx-c serial protocol. One Client manages one
// connection at a time; its methods are safe for concurrent use.
type Client struct {
	conn    *transport.Conn
	cfg     Config
	log     zerolog.Logger
	ids     protocol.IDGenerator
	pending *registry

	decMu sync.Mutex
	dec   *protocol.Decoder

	textNotice rate.Sometimes

	onEvent      func(Event)
	onDisconnect func(error)

	flashing atomic.Bool

	mu     sync.Mutex
	device *protocol.HelloAck
}

// New creates a client that obtains its serial channel from host.
func New(host transport.Host, opts ...Option) *Client {
	c := &Client{
		cfg:     DefaultConfig(),
		log:     zerolog.Nop(),
		ids:     protocol.NewUUIDGenerator("thxc"),
		pending: newRegistry(),
		dec:     protocol.NewDecoder(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.textNotice = rate.Sometimes{First: 1, Interval: c.cfg.TextNoticeInterval}
	c.conn = transport.NewConn(host, c.cfg.BaudRate, c.log)
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Connect opens the serial channel and starts reading from it. It does not
// perform the handshake. Connecting an open client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn.Connected() {
		return nil
	}
	c.decMu.Lock()
	c.dec.Reset()
	c.decMu.Unlock()

	if err := c.conn.Connect(ctx, c); err != nil {
		c.fail("connect failed: %v", err)
		return err
	}
	c.info("connected to %s", c.conn.PortName())
	return nil
}

// Disconnect closes the channel. Requests still in flight fail with
// connection_closed.
func (c *Client) Disconnect() error {
	if !c.conn.Connected() {
		return nil
	}
	err := c.conn.Disconnect()
	c.info("disconnected")
	return err
}

// Connected reports whether the serial channel is open.
func (c *Client) Connected() bool {
	return c.conn.Connected()
}

// PortName returns the name of the open serial port.
func (c *Client) PortName() string {
	return c.conn.PortName()
}

// Device returns the result of the last successful handshake, if any.
func (c *Client) Device() *protocol.HelloAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// HandleData implements transport.Handler.
func (c *Client) HandleData(data []byte) {
	if config.Verbose {
		config.Debugf("rx %d bytes\n%s", len(data), util.HexDump(data))
	}
	c.decMu.Lock()
	frames := c.dec.Feed(data)
	c.decMu.Unlock()

	for _, f := range frames {
		c.dispatch(f)
	}
}

// HandleClosed implements transport.Handler.
func (c *Client) HandleClosed(err error, expected bool) {
	n := c.pending.rejectAll(err)
	c.decMu.Lock()
	c.dec.Reset()
	c.decMu.Unlock()

	if n > 0 {
		c.log.Debug().Int("count", n).Msg("rejected pending requests")
	}
	if expected {
		return
	}
	c.fail("device disconnected: %v", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	switch {
	case f.Text != "":
		c.log.Debug().Str("text", f.Text).Msg("ignored device text")
		c.textNotice.Do(func() {
			c.info("ignored device text: %s", truncate(f.Text, 80))
		})
	case f.Err != nil:
		c.fail("dropped frame: %v", f.Err)
	case f.Envelope != nil:
		env := f.Envelope
		c.log.Debug().Str("type", env.Type).Str("id", env.ID).Msg("rx")
		if c.pending.resolve(env.ID, env) {
			return
		}
		if c.pending.resolveFallback(env) {
			c.info("matched %s with unknown id %s to the pending handshake", env.Type, env.ID)
			return
		}
		c.fail("uncorrelated %s frame with id %s", env.Type, env.ID)
	}
}

// SendRequest transmits one request and waits for the correlated response.
// Device error and nack responses, responses of a type outside expected,
// timeouts and disconnects are returned as *protocol.Error. A timeout of
// zero or less uses the configured request timeout.
func (c *Client) SendRequest(ctx context.Context, msgType string, payload any, expected []string, timeout time.Duration) (*protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	if !c.conn.Connected() {
		return nil, protocol.NewError(protocol.KindNotConnected, "cannot send %s: not connected", msgType)
	}

	id := c.ids.NextID()
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	p := c.pending.register(id, msgType, expected, timeout)
	c.log.Debug().Str("type", msgType).Str("id", id).Int("bytes", len(data)).Msg("tx")
	config.Debugf("tx %s", strings.TrimSpace(string(data)))

	if err := c.conn.Write(data); err != nil {
		c.pending.take(id)
		return nil, err
	}

	var out outcome
	select {
	case out = <-p.done:
	case <-ctx.Done():
		if c.pending.take(id) != nil {
			return nil, ctx.Err()
		}
		out = <-p.done
	}
	if out.err != nil {
		return nil, out.err
	}
	return checkResponse(msgType, expected, out.env)
}

func checkResponse(requestType string, expected []string, env *protocol.Envelope) (*protocol.Envelope, error) {
	switch env.Type {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &protocol.Error{Kind: protocol.KindInvalidPayload, RequestType: requestType, Message: "malformed error payload", Err: err}
		}
		msg := p.Message
		if msg == "" {
			msg = "device reported an error"
		}
		return nil, &protocol.Error{Kind: protocol.KindDevice, RequestType: requestType, Code: p.Code, Message: msg}
	case protocol.TypeNack:
		nack, err := parseNack(env.Payload)
		if err != nil {
			return nil, &protocol.Error{Kind: protocol.KindInvalidNack, RequestType: requestType, Message: "malformed nack payload", Err: err}
		}
		return nil, &protocol.Error{
			Kind:        protocol.KindNack,
			RequestType: requestType,
			Code:        nack.Code,
			Message:     requestType + " rejected: " + nack.Reason,
			Retryable:   nack.Retryable,
		}
	}
	if !slices.Contains(expected, env.Type) {
		return nil, protocol.NewError(protocol.KindUnexpectedResponse, "unexpected %s response to %s", env.Type, requestType)
	}
	return env, nil
}

func parseNack(raw json.RawMessage) (*protocol.NackPayload, error) {
	var p struct {
		RequestType *string `json:"requestType"`
		Code        *string `json:"code"`
		Reason      *string `json:"reason"`
		Retryable   *bool   `json:"retryable"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.RequestType == nil || p.Code == nil || p.Reason == nil || p.Retryable == nil {
		return nil, protocol.NewError(protocol.KindInvalidNack, "nack requires requestType, code, reason and retryable")
	}
	return &protocol.NackPayload{
		RequestType: *p.RequestType,
		Code:        *p.Code,
		Reason:      *p.Reason,
		Retryable:   *p.Retryable,
	}, nil
}

// sendAck sends a request that is answered by an ack echoing its type and
// returns the full ack payload.
func (c *Client) sendAck(ctx context.Context, msgType string, payload any, timeout time.Duration) (map[string]json.RawMessage, error) {
	env, err := c.SendRequest(ctx, msgType, payload, []string{protocol.TypeAck}, timeout)
	if err != nil {
		return nil, err
	}
	return parseAck(env, msgType)
}

func parseAck(env *protocol.Envelope, requestType string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return nil, &protocol.Error{Kind: protocol.KindInvalidAck, RequestType: requestType, Message: "malformed ack payload", Err: err}
	}
	var echo string
	if err := json.Unmarshal(fields["requestType"], &echo); err != nil || echo != requestType {
		return nil, &protocol.Error{
			Kind:        protocol.KindInvalidAck,
			RequestType: requestType,
			Message:     "ack requestType " + strings.TrimSpace(string(fields["requestType"])) + " does not match " + requestType,
		}
	}
	if raw, ok := fields["status"]; ok {
		var status string
		if err := json.Unmarshal(raw, &status); err != nil || status != "ok" {
			return nil, &protocol.Error{Kind: protocol.KindInvalidAck, RequestType: requestType, Message: "ack status is not ok"}
		}
	}
	return fields, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
