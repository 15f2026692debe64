package api

import (
	"slices"
	"sync"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/protocol"
)

type outcome struct {
	env *protocol.Envelope
	err error
}

// pending is one in-flight request. done receives exactly one outcome.
type pending struct {
	id          string
	requestType string
	expected    []string
	done        chan outcome
	timer       *time.Timer
}

// registry tracks in-flight requests by correlation id. Every entry leaves
// the registry exactly once, through resolve, reject, its timeout or
// rejectAll.
type registry struct {
	mu      sync.Mutex
	entries map[string]*pending
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*pending)}
}

func (r *registry) register(id, requestType string, expected []string, timeout time.Duration) *pending {
	p := &pending{
		id:          id,
		requestType: requestType,
		expected:    expected,
		done:        make(chan outcome, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			r.reject(id, protocol.TimeoutError(requestType))
		})
	}
	return p
}

// take removes id and stops its timer. It returns nil if id is not pending.
func (r *registry) take(id string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takeLocked(id)
}

func (r *registry) takeLocked(id string) *pending {
	p, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (r *registry) resolve(id string, env *protocol.Envelope) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome{env: env}
	return true
}

func (r *registry) reject(id string, err error) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome{err: err}
	return true
}

func (r *registry) rejectAll(err error) int {
	r.mu.Lock()
	taken := make([]*pending, 0, len(r.entries))
	for id := range r.entries {
		taken = append(taken, r.takeLocked(id))
	}
	r.mu.Unlock()

	for _, p := range taken {
		p.done <- outcome{err: err}
	}
	return len(taken)
}

// resolveFallback matches a hello_ack whose id is unknown to the single
// pending request waiting for one. Boot noise ahead of the real ack can
// leave the device echoing a stale id. With zero or several candidates
// nothing is resolved.
func (r *registry) resolveFallback(env *protocol.Envelope) bool {
	if env.Type != protocol.TypeHelloAck {
		return false
	}

	r.mu.Lock()
	var match *pending
	for _, p := range r.entries {
		if !slices.Contains(p.expected, env.Type) {
			continue
		}
		if match != nil {
			r.mu.Unlock()
			return false
		}
		match = p
	}
	if match == nil {
		r.mu.Unlock()
		return false
	}
	r.takeLocked(match.id)
	r.mu.Unlock()

	match.done <- outcome{env: env}
	return true
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
