package transport

import (
	"bufio"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
)

type recorder struct {
	mu       sync.Mutex
	data     []byte
	closed   []error
	expected []bool
	closedCh chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closedCh: make(chan struct{}, 4)}
}

func (r *recorder) HandleData(d []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, d...)
}

func (r *recorder) HandleClosed(err error, expected bool) {
	r.mu.Lock()
	r.closed = append(r.closed, err)
	r.expected = append(r.expected, expected)
	r.mu.Unlock()
	r.closedCh <- struct{}{}
}

func (r *recorder) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func echoServer(dev *DevicePipe) {
	sc := bufio.NewScanner(dev)
	for sc.Scan() {
		if _, err := dev.Write(append(sc.Bytes(), '\n')); err != nil {
			return
		}
	}
}

func TestConnectWithoutHost(t *testing.T) {
	c := NewConn(nil, 0, zerolog.Nop())
	err := c.Connect(context.Background(), newRecorder())
	assert.ErrorIs(t, err, protocol.ErrSerialUnsupported)
}

func TestConnectFailsFastOnMissingReader(t *testing.T) {
	host := NewPipeHost(nil)
	host.Broken = true
	c := NewConn(host, 0, zerolog.Nop())

	err := c.Connect(context.Background(), newRecorder())
	assert.ErrorIs(t, err, protocol.ErrSerialUnavailable)
	assert.False(t, c.Connected())
	assert.True(t, host.Last().Closed())
}

func TestWriteWithoutConnection(t *testing.T) {
	c := NewConn(NewPipeHost(nil), 0, zerolog.Nop())
	assert.ErrorIs(t, c.Write([]byte("x\n")), protocol.ErrNotConnected)
}

func TestWriteAndReadLoop(t *testing.T) {
	host := NewPipeHost(echoServer)
	c := NewConn(host, 0, zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, c.Connect(context.Background(), rec))
	assert.True(t, c.Connected())
	assert.Equal(t, "pipe1", c.PortName())

	require.NoError(t, c.Write([]byte("hello\n")))
	assert.Eventually(t, func() bool { return rec.received() == "hello\n" }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	assert.False(t, c.Connected())
	require.Equal(t, 1, rec.closeCount())
	assert.True(t, rec.expected[0])
	assert.ErrorIs(t, rec.closed[0], protocol.ErrConnectionClosed)
	assert.True(t, host.Last().Closed())
	assert.Zero(t, host.Subscribers())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := NewConn(NewPipeHost(echoServer), 0, zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, c.Connect(context.Background(), rec))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, 1, rec.closeCount())
}

func TestUnexpectedEOFNotifiesOnce(t *testing.T) {
	host := NewPipeHost(func(dev *DevicePipe) {
		dev.Close()
	})
	c := NewConn(host, 0, zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, c.Connect(context.Background(), rec))

	select {
	case <-rec.closedCh:
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}
	assert.False(t, rec.expected[0])
	assert.ErrorIs(t, rec.closed[0], protocol.ErrConnectionClosed)
	assert.False(t, c.Connected())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, 1, rec.closeCount())
}

func TestOutOfBandDisconnectFiltersPort(t *testing.T) {
	host := NewPipeHost(echoServer)
	c := NewConn(host, 0, zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, c.Connect(context.Background(), rec))

	host.Unplug(&PipePort{name: "other"})
	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.Connected())
	assert.Zero(t, rec.closeCount())

	host.Unplug(host.Last())
	assert.Equal(t, 1, rec.closeCount())
	assert.False(t, rec.expected[0])
	assert.False(t, c.Connected())
	assert.Zero(t, host.Subscribers())
}

func TestReconnectAfterLoss(t *testing.T) {
	host := NewPipeHost(echoServer)
	c := NewConn(host, 0, zerolog.Nop())
	rec := newRecorder()
	require.NoError(t, c.Connect(context.Background(), rec))
	host.Unplug(host.Last())

	require.NoError(t, c.Connect(context.Background(), rec))
	assert.Equal(t, "pipe2", c.PortName())
	require.NoError(t, c.Write([]byte("again\n")))
	assert.Eventually(t, func() bool { return rec.received() == "again\n" }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Disconnect())
}

func TestPickPort(t *testing.T) {
	name, err := pickPort([]PortInfo{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true, Product: "Pico"},
		{Name: "/dev/ttyACM1", IsUSB: true, Product: "THX-C MIDI"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", name)

	name, err = pickPort([]PortInfo{{Name: "/dev/ttyACM0", IsUSB: true}})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", name)

	_, err = pickPort([]PortInfo{{Name: "/dev/ttyS0"}})
	assert.True(t, errors.Is(err, ErrNoDevice))

	_, err = pickPort([]PortInfo{{Name: "a", IsUSB: true}, {Name: "b", IsUSB: true}})
	assert.ErrorIs(t, err, ErrNoDevice)
}
