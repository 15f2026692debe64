package protocol

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces correlation ids for outgoing requests.
type IDGenerator interface {
	NextID() string
}

// UUIDGenerator hands out random UUIDs, falling back to a counter-suffixed
// id if the random source fails.
type UUIDGenerator struct {
	Prefix  string
	counter atomic.Uint64
}

// NewUUIDGenerator returns a generator whose fallback ids start with prefix.
func NewUUIDGenerator(prefix string) *UUIDGenerator {
	return &UUIDGenerator{Prefix: prefix}
}

func (g *UUIDGenerator) NextID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}
	return fmt.Sprintf("%s-%d", g.Prefix, g.counter.Add(1))
}

// SequenceIDs returns "<prefix>-1", "<prefix>-2", ... Useful where ids need
// to be predictable.
type SequenceIDs struct {
	prefix  string
	counter atomic.Uint64
}

func NewSequenceIDs(prefix string) *SequenceIDs {
	return &SequenceIDs{prefix: prefix}
}

func (s *SequenceIDs) NextID() string {
	return s.prefix + "-" + strconv.FormatUint(s.counter.Add(1), 10)
}
