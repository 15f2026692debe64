package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// PipeHost is an in-memory Host. Every opened port is connected to a
// device side handed to Serve, which runs in its own goroutine.
type PipeHost struct {
	Serve func(dev *DevicePipe)

	// Broken ports open without a reader, to exercise failure paths.
	Broken bool

	mu     sync.Mutex
	count  int
	last   *PipePort
	nextID int
	subs   map[int]func(Port)
}

// NewPipeHost returns a host whose ports are served by serve.
func NewPipeHost(serve func(dev *DevicePipe)) *PipeHost {
	return &PipeHost{Serve: serve, subs: make(map[int]func(Port))}
}

func (h *PipeHost) RequestPort(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	p := &PipePort{name: fmt.Sprintf("pipe%d", h.count), host: h}
	h.last = p
	return p, nil
}

// Last returns the most recently requested port.
func (h *PipeHost) Last() *PipePort {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *PipeHost) SubscribeDisconnect(fn func(Port)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Port))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// Unplug reports p as removed to every subscriber.
func (h *PipeHost) Unplug(p Port) {
	h.mu.Lock()
	subs := make([]func(Port), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(p)
	}
}

// Subscribers returns the number of active disconnect subscriptions.
func (h *PipeHost) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// PipePort is one end of an in-memory serial link.
type PipePort struct {
	name string
	host *PipeHost

	hostR *io.PipeReader
	hostW *io.PipeWriter
	dev   *DevicePipe

	mu     sync.Mutex
	closed bool
}

func (p *PipePort) Name() string { return p.name }

func (p *PipePort) Open(baudRate int) error {
	toHostR, toHostW := io.Pipe()
	toDevR, toDevW := io.Pipe()
	p.hostR, p.hostW = toHostR, toDevW
	p.dev = &DevicePipe{r: toDevR, w: toHostW}
	if p.host.Serve != nil {
		go p.host.Serve(p.dev)
	}
	return nil
}

func (p *PipePort) Reader() io.ReadCloser {
	if p.host.Broken || p.hostR == nil {
		return nil
	}
	return p.hostR
}

func (p *PipePort) Writer() io.WriteCloser {
	if p.hostW == nil {
		return nil
	}
	return p.hostW
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.dev != nil {
		p.dev.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (p *PipePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Device returns the device side of the link.
func (p *PipePort) Device() *DevicePipe { return p.dev }

// DevicePipe is the device side of a PipePort.
type DevicePipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *DevicePipe) Read(b []byte) (int, error) { return d.r.Read(b) }

func (d *DevicePipe) Write(b []byte) (int, error) { return d.w.Write(b) }

// Close ends both directions; the host sees EOF.
func (d *DevicePipe) Close() error {
	d.r.Close()
	return d.w.Close()
}
