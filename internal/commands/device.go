package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/transport"
)

// Hello prints what the device reported during the handshake.
func Hello(c *api.Client, asJSON bool) error {
	ack := c.Device()
	if ack == nil {
		return protocol.NewError(protocol.KindNotConnected, "no handshake")
	}
	if asJSON {
		return PrintValue(ack)
	}

	fmt.Printf("Port:            %s\n", c.PortName())
	fmt.Printf("Device:          %s\n", ack.Device)
	fmt.Printf("Firmware:        v%s\n", ack.FirmwareVersion)
	fmt.Printf("Protocol:        %g\n", ack.ProtocolVersion)
	fmt.Printf("Features:        %s\n", strings.Join(ack.Features, ", "))
	if ack.Migrated {
		fmt.Println("State:           legacy format (migrated)")
	}
	return nil
}

// State reads the live state and prints it, or writes it to output.
func State(ctx context.Context, c *api.Client, output string, asJSON bool) error {
	s, err := c.GetState(ctx)
	if err != nil {
		return err
	}
	if output != "" {
		if err := WriteStateFile(output, s); err != nil {
			return err
		}
		if output != "-" {
			fmt.Printf("Saved state to %s\n", output)
		}
		return nil
	}
	if asJSON {
		return PrintValue(s)
	}
	printState(s)
	return nil
}

// Ping measures round trips. count <= 0 pings once.
func Ping(ctx context.Context, c *api.Client, count int, interval time.Duration) error {
	if count <= 0 {
		count = 1
	}
	var total time.Duration
	for i := range count {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		pong, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		total += pong.RTT
		fmt.Printf("pong from %s: seq=%d time=%s device_ts=%d\n",
			c.PortName(), i+1, pong.RTT.Round(10*time.Microsecond), pong.DeviceTimestamp)
	}
	if count > 1 {
		fmt.Printf("avg %s over %d pings\n", (total / time.Duration(count)).Round(10*time.Microsecond), count)
	}
	return nil
}

// Ports lists serial ports and marks the one auto-detection would pick.
func Ports() error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}

	detected, _ := transport.DetectPort()
	fmt.Printf("Found %d port(s):\n\n", len(ports))
	for _, p := range ports {
		mark := " "
		if p.Name == detected {
			mark = "*"
		}
		if p.IsUSB {
			fmt.Printf("%s %-20s  %s:%s  %-16s  %s\n", mark, p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Printf("%s %-20s\n", mark, p.Name)
		}
	}
	return nil
}
