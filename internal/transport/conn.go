package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
)

const readBufferSize = 512

// Conn owns one serial channel at a time: it opens it, runs the read loop,
// serializes writes and tears everything down on Disconnect or when the
// channel goes away.
type Conn struct {
	host     Host
	baudRate int
	log      zerolog.Logger

	mu      sync.Mutex
	sess    *session
	writeMu sync.Mutex
}

type session struct {
	port        Port
	reader      io.ReadCloser
	writer      io.WriteCloser
	handler     Handler
	done        chan struct{}
	disposed    atomic.Bool
	once        sync.Once
	unsubscribe func()
}

// NewConn creates a connection manager for host. A nil host makes every
// Connect fail with serial_unsupported.
func NewConn(host Host, baudRate int, log zerolog.Logger) *Conn {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &Conn{host: host, baudRate: baudRate, log: log}
}

// Connected reports whether a channel is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// PortName returns the name of the open port, or "".
func (c *Conn) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.port.Name()
}

// Connect requests a port from the host, opens it and starts the read loop.
func (c *Conn) Connect(ctx context.Context, h Handler) error {
	if c.host == nil {
		return protocol.NewError(protocol.KindSerialUnsupported, "no serial host available")
	}
	if c.Connected() {
		return nil
	}

	port, err := c.host.RequestPort(ctx)
	if err != nil {
		return &protocol.Error{Kind: protocol.KindSerialUnavailable, Message: "failed to request serial port", Err: err}
	}
	if err := port.Open(c.baudRate); err != nil {
		return &protocol.Error{Kind: protocol.KindSerialUnavailable, Message: "failed to open " + port.Name(), Err: err}
	}

	r, w := port.Reader(), port.Writer()
	if r == nil || w == nil {
		if r != nil {
			r.Close()
		}
		if w != nil {
			w.Close()
		}
		port.Close()
		return protocol.NewError(protocol.KindSerialUnavailable, "serial port %s is not readable and writable", port.Name())
	}

	s := &session{
		port:    port,
		reader:  r,
		writer:  w,
		handler: h,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	if n, ok := c.host.(DisconnectNotifier); ok {
		s.unsubscribe = n.SubscribeDisconnect(func(p Port) {
			if p != s.port {
				return
			}
			c.lose(s, protocol.ClosedError("device disconnected"), false)
		})
	}

	c.log.Debug().Str("port", port.Name()).Int("baud", c.baudRate).Msg("serial port opened")
	go c.readLoop(s)
	return nil
}

func (c *Conn) readLoop(s *session) {
	defer close(s.done)

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.handler.HandleData(data)
		}
		if err != nil {
			if s.disposed.Load() {
				return
			}
			cause := protocol.ClosedError("device closed the stream")
			if !errors.Is(err, io.EOF) {
				cause = &protocol.Error{Kind: protocol.KindConnectionClosed, Message: "serial read failed", Retryable: true, Err: err}
			}
			// Close from the loop itself, so don't wait on s.done.
			go c.lose(s, cause, true)
			return
		}
	}
}

// lose handles a connection that went away without Disconnect being called.
func (c *Conn) lose(s *session, cause error, fromLoop bool) {
	s.once.Do(func() {
		c.mu.Lock()
		current := c.sess == s
		if current {
			c.sess = nil
		}
		c.mu.Unlock()
		if !current {
			return
		}

		s.disposed.Store(true)
		c.log.Warn().Err(cause).Str("port", s.port.Name()).Msg("serial connection lost")
		c.teardown(s, !fromLoop)
		s.handler.HandleClosed(cause, false)
	})
}

// Disconnect closes the current channel. Pending work is notified through
// the handler before the reader is cancelled.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	var err error
	s.once.Do(func() {
		s.disposed.Store(true)
		s.handler.HandleClosed(protocol.ClosedError("disconnected"), true)
		err = c.teardown(s, true)
		c.log.Debug().Str("port", s.port.Name()).Msg("serial port closed")
	})
	return err
}

func (c *Conn) teardown(s *session, wait bool) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.reader.Close()
	if wait {
		<-s.done
	}

	c.writeMu.Lock()
	s.writer.Close()
	c.writeMu.Unlock()

	if err := s.port.Close(); err != nil {
		c.log.Debug().Err(err).Msg("closing serial port failed")
		return err
	}
	return nil
}

// Write sends data on the open channel. Concurrent writes are serialized.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return protocol.NewError(protocol.KindNotConnected, "serial port is not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for len(data) > 0 {
		n, err := s.writer.Write(data)
		if err != nil {
			return &protocol.Error{Kind: protocol.KindNotConnected, Message: "serial write failed", Err: err}
		}
		data = data[n:]
	}
	return nil
}
