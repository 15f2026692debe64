package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/retry"
	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// ApplyResult is the device state after a successful apply_config.
type ApplyResult struct {
	State           state.DeviceState
	AppliedConfigID string
}

// Pong is the result of a ping.
type Pong struct {
	RTT time.Duration
	// DeviceTimestamp is the device clock in ms, zero when not reported.
	DeviceTimestamp int64
}

// Handshake sends hello until a valid hello_ack arrives or the configured
// attempts are used up, backing off between attempts. Only retryable
// failures (timeouts, a dropped connection, retryable nacks) are retried.
func (c *Client) Handshake(ctx context.Context) (*protocol.HelloAck, error) {
	req := protocol.HelloRequest{
		Client:                   c.cfg.ClientName,
		RequestedProtocolVersion: protocol.Version,
	}

	var ack *protocol.HelloAck
	err := retry.Do(ctx, retry.Policy{
		Attempts:    c.cfg.HandshakeAttempts,
		Backoff:     c.cfg.Backoff,
		ShouldRetry: protocol.IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.info("handshake attempt %d/%d failed: %v; retrying in %s", attempt, c.cfg.HandshakeAttempts, err, delay)
		},
	}, func(ctx context.Context, attempt int) error {
		env, err := c.SendRequest(ctx, protocol.TypeHello, req, []string{protocol.TypeHelloAck}, c.cfg.HandshakeTimeout)
		if err != nil {
			return err
		}
		ack, err = parseHelloAck(env.Payload)
		return err
	})
	if err != nil {
		c.fail("handshake failed: %v", err)
		return nil, err
	}

	if ack.Migrated {
		c.info("device reported a legacy state; migrated")
	}
	c.info("handshake complete: %s firmware %s", ack.Device, ack.FirmwareVersion)

	c.mu.Lock()
	c.device = ack
	c.mu.Unlock()
	return ack, nil
}

func parseHelloAck(raw json.RawMessage) (*protocol.HelloAck, error) {
	invalid := func(format string, args ...any) error {
		e := protocol.NewError(protocol.KindInvalidPayload, format, args...)
		e.RequestType = protocol.TypeHello
		return e
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, invalid("hello_ack payload must be an object")
	}

	ack := &protocol.HelloAck{}
	var ok bool
	if ack.Device, ok = stringField(fields, "device"); !ok {
		return nil, invalid("hello_ack payload.device must be a string")
	}
	var version *float64
	if err := json.Unmarshal(fields["protocolVersion"], &version); err != nil || version == nil {
		return nil, invalid("hello_ack payload.protocolVersion must be a number")
	}
	ack.ProtocolVersion = *version
	if ack.ProtocolVersion != protocol.Version {
		e := protocol.NewError(protocol.KindUnsupportedVersion, "device speaks protocol version %v", ack.ProtocolVersion)
		e.RequestType = protocol.TypeHello
		return nil, e
	}
	if err := json.Unmarshal(fields["features"], &ack.Features); err != nil || ack.Features == nil {
		return nil, invalid("hello_ack payload.features must be an array of strings")
	}
	if ack.FirmwareVersion, ok = stringField(fields, "firmwareVersion"); !ok {
		return nil, invalid("hello_ack payload.firmwareVersion must be a string")
	}

	res, err := state.Parse(fields["state"])
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindInvalidPayload, RequestType: protocol.TypeHello, Message: "hello_ack state is invalid", Err: err}
	}
	ack.State = res.State
	ack.Migrated = res.Migrated
	return ack, nil
}

// stringField reads a required string. Absent keys and null are rejected.
func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	var s *string
	if err := json.Unmarshal(fields[name], &s); err != nil || s == nil {
		return "", false
	}
	return *s, true
}

// GetState asks the device for its current state.
func (c *Client) GetState(ctx context.Context) (state.DeviceState, error) {
	fields, err := c.sendAck(ctx, protocol.TypeGetState, nil, c.cfg.RequestTimeout)
	if err != nil {
		c.fail("get_state failed: %v", err)
		return state.DeviceState{}, err
	}
	res, err := ackState(fields, protocol.TypeGetState)
	if err != nil {
		return state.DeviceState{}, err
	}
	return res.State, nil
}

func ackState(fields map[string]json.RawMessage, requestType string) (state.Result, error) {
	res, err := state.Parse(fields["state"])
	if err != nil {
		return state.Result{}, &protocol.Error{Kind: protocol.KindInvalidAck, RequestType: requestType, Message: requestType + " ack carries an invalid state", Err: err}
	}
	return res, nil
}

// ApplyConfig validates s, pushes it to the device and returns the state the
// device reports afterwards. s itself is never modified. Invalid states are
// rejected before anything is sent. Timeouts and retryable nacks are retried
// with the same idempotency key.
func (c *Client) ApplyConfig(ctx context.Context, s state.DeviceState) (*ApplyResult, error) {
	candidate := s.Clone()
	if err := state.Validate(candidate); err != nil {
		c.fail("config rejected: %v", err)
		return nil, &protocol.Error{Kind: protocol.KindInvalidConfig, RequestType: protocol.TypeApplyConfig, Message: err.Error(), Err: err}
	}

	req := protocol.ApplyConfigRequest{
		ConfigID:       c.ids.NextID(),
		IdempotencyKey: c.ids.NextID(),
		Config:         state.Normalize(candidate),
	}

	var result *ApplyResult
	err := retry.Do(ctx, retry.Policy{
		Attempts:    c.cfg.ApplyAttempts,
		Backoff:     c.cfg.Backoff,
		ShouldRetry: protocol.IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.info("apply_config attempt %d/%d failed: %v; retrying in %s", attempt, c.cfg.ApplyAttempts, err, delay)
		},
	}, func(ctx context.Context, attempt int) error {
		fields, err := c.sendAck(ctx, protocol.TypeApplyConfig, req, c.cfg.RequestTimeout)
		if err != nil {
			return err
		}
		res, err := ackState(fields, protocol.TypeApplyConfig)
		if err != nil {
			return err
		}
		applied := req.ConfigID
		if raw, ok := fields["appliedConfigId"]; ok {
			if err := json.Unmarshal(raw, &applied); err != nil {
				return &protocol.Error{Kind: protocol.KindInvalidAck, RequestType: protocol.TypeApplyConfig, Message: "appliedConfigId must be a string", Err: err}
			}
		}
		result = &ApplyResult{State: res.State, AppliedConfigID: applied}
		return nil
	})
	if err != nil {
		c.fail("apply_config failed: %v", err)
		return nil, err
	}

	c.info("config %s applied", result.AppliedConfigID)
	return result, nil
}

// Ping measures the round trip to the device.
func (c *Client) Ping(ctx context.Context) (*Pong, error) {
	start := time.Now()
	fields, err := c.sendAck(ctx, protocol.TypePing, nil, c.cfg.RequestTimeout)
	if err != nil {
		c.fail("ping failed: %v", err)
		return nil, err
	}
	pong := &Pong{RTT: time.Since(start)}
	if raw, ok := fields["pongTs"]; ok {
		var ts float64
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, &protocol.Error{Kind: protocol.KindInvalidAck, RequestType: protocol.TypePing, Message: "pongTs must be a number", Err: err}
		}
		pong.DeviceTimestamp = int64(ts)
	}
	return pong, nil
}
