package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/util"
)

// DecodeCapture splits a raw serial capture into frames and prints each
// one, the way the client would see them.
func DecodeCapture(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}

	dec := protocol.NewDecoder()
	frames := dec.Feed(data)
	var envelopes, texts, errs int
	for i, f := range frames {
		switch {
		case f.Envelope != nil:
			envelopes++
			fmt.Printf("[%d] %s id=%s ts=%d\n", i, f.Envelope.Type, f.Envelope.ID, f.Envelope.Timestamp)
			PrintJSON(f.Envelope.Payload)
		case f.Err != nil:
			errs++
			fmt.Printf("[%d] error: %v\n", i, f.Err)
		default:
			texts++
			if util.IsTextData([]byte(f.Text)) {
				fmt.Printf("[%d] text: %s\n", i, f.Text)
			} else {
				fmt.Printf("[%d] binary (%d bytes):\n", i, len(f.Text))
				util.PrintHexDump([]byte(f.Text))
			}
		}
	}
	if n := dec.Buffered(); n > 0 {
		fmt.Printf("incomplete trailing line (%d bytes):\n", n)
	}
	fmt.Printf("\n%d envelope(s), %d text line(s), %d error(s)\n", envelopes, texts, errs)
	return nil
}

// Raw sends an arbitrary request and prints the reply payload. Errors from
// the device are printed too since exploring them is the point.
func Raw(ctx context.Context, c *api.Client, msgType, payload string, timeout time.Duration) error {
	var body any
	if payload != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		body = m
	}

	expected := []string{protocol.TypeAck, protocol.TypeHelloAck}
	env, err := c.SendRequest(ctx, msgType, body, expected, timeout)
	if err != nil {
		return err
	}
	fmt.Printf("%s id=%s ts=%d\n", env.Type, env.ID, env.Timestamp)
	PrintJSON(env.Payload)
	return nil
}
