package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// readPollInterval bounds how long a Read blocks before checking for
	// cancellation.
	readPollInterval = 100 * time.Millisecond

	defaultWatchInterval = time.Second
)

// ProductMatch is the substring looked for in the USB product string when
// no port name is configured.
const ProductMatch = "thx"

// ErrNoDevice is returned when auto-detection finds no candidate port.
var ErrNoDevice = errors.New("transport: no thx-c device found")

// USBHost opens USB CDC serial ports through go.bug.st/serial.
type USBHost struct {
	// PortName selects a port explicitly, e.g. /dev/ttyACM0 or COM4.
	PortName string
	// WatchInterval is how often the port list is polled for removal.
	WatchInterval time.Duration

	mu   sync.Mutex
	open map[*usbPort]struct{}
}

// NewUSBHost returns a host for portName, or an auto-detecting host when
// portName is empty.
func NewUSBHost(portName string) *USBHost {
	return &USBHost{PortName: portName, open: make(map[*usbPort]struct{})}
}

// RequestPort resolves the port to use. The port is not opened yet.
func (h *USBHost) RequestPort(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := h.PortName
	if name == "" {
		var err error
		if name, err = DetectPort(); err != nil {
			return nil, err
		}
	}
	return &usbPort{name: name, host: h}, nil
}

// SubscribeDisconnect polls the port list and reports open ports that
// disappear from it.
func (h *USBHost) SubscribeDisconnect(fn func(Port)) func() {
	interval := h.WatchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			names, err := serial.GetPortsList()
			if err != nil {
				continue
			}
			present := make(map[string]bool, len(names))
			for _, n := range names {
				present[n] = true
			}
			for _, p := range h.openPorts() {
				if !present[p.name] {
					fn(p)
				}
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

func (h *USBHost) openPorts() []*usbPort {
	h.mu.Lock()
	defer h.mu.Unlock()
	ports := make([]*usbPort, 0, len(h.open))
	for p := range h.open {
		ports = append(ports, p)
	}
	return ports
}

func (h *USBHost) track(p *usbPort, open bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open == nil {
		h.open = make(map[*usbPort]struct{})
	}
	if open {
		h.open[p] = struct{}{}
	} else {
		delete(h.open, p)
	}
}

// PortInfo describes a serial port found on the system.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns all serial ports with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// DetectPort picks the USB port whose product string mentions thx, or the
// only USB serial port if there is exactly one.
func DetectPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	return pickPort(ports)
}

func pickPort(ports []PortInfo) (string, error) {
	var usb []PortInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.Contains(strings.ToLower(p.Product), ProductMatch) {
			return p.Name, nil
		}
		usb = append(usb, p)
	}
	switch len(usb) {
	case 0:
		return "", ErrNoDevice
	case 1:
		return usb[0].Name, nil
	default:
		return "", fmt.Errorf("%w: %d USB serial ports present, pick one with --port", ErrNoDevice, len(usb))
	}
}

type usbPort struct {
	name string
	host *USBHost
	port serial.Port
}

func (p *usbPort) Name() string { return p.name }

func (p *usbPort) Open(baudRate int) error {
	sp, err := serial.Open(p.name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return err
	}
	if err := sp.SetReadTimeout(readPollInterval); err != nil {
		sp.Close()
		return err
	}
	p.port = sp
	p.host.track(p, true)
	return nil
}

func (p *usbPort) Reader() io.ReadCloser {
	if p.port == nil {
		return nil
	}
	return &pollReader{port: p.port}
}

func (p *usbPort) Writer() io.WriteCloser {
	if p.port == nil {
		return nil
	}
	return portWriter{port: p.port}
}

func (p *usbPort) Close() error {
	p.host.track(p, false)
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// pollReader turns read timeouts into another Read so callers see a normal
// blocking reader that Close can interrupt.
type pollReader struct {
	port   serial.Port
	closed atomic.Bool
}

func (r *pollReader) Read(b []byte) (int, error) {
	for {
		if r.closed.Load() {
			return 0, io.EOF
		}
		n, err := r.port.Read(b)
		if err != nil {
			if r.closed.Load() {
				return 0, io.EOF
			}
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *pollReader) Close() error {
	r.closed.Store(true)
	return nil
}

type portWriter struct {
	port serial.Port
}

func (w portWriter) Write(b []byte) (int, error) { return w.port.Write(b) }

func (w portWriter) Close() error { return nil }
