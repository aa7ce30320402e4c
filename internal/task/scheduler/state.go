package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is shared by the driver and the health monitor.
type State struct {
	// fence serialises generation changes with heartbeat writes.
	fence sync.Mutex
	gen   atomic.Uint64
	beat  atomic.Int64 // unix nanos
	live  atomic.Uint64

	mu   sync.RWMutex
	jobs map[string]*job
}

func NewState() *State { return &State{jobs: map[string]*job{}} }

func (s *State) Generation() uint64 { return s.gen.Load() }

func (s *State) advance() uint64 {
	s.fence.Lock()
	defer s.fence.Unlock()
	return s.gen.Add(1)
}

// Beat records a heartbeat for generation gen. It reports false, and writes
// nothing, when gen has been abandoned.
func (s *State) Beat(gen uint64, at time.Time) bool {
	s.fence.Lock()
	defer s.fence.Unlock()
	if gen == 0 || s.gen.Load() != gen {
		return false
	}
	s.beat.Store(at.UnixNano())
	return true
}

// HeartbeatAt is the time of the last accepted heartbeat, zero if none.
func (s *State) HeartbeatAt() time.Time {
	n := s.beat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// HeartbeatAge is now minus HeartbeatAt, or zero without a heartbeat.
func (s *State) HeartbeatAge(now time.Time) time.Duration {
	at := s.HeartbeatAt()
	if at.IsZero() {
		return 0
	}
	return max(now.Sub(at), 0)
}

// Alive reports whether a loop of the current generation is running.
func (s *State) Alive() bool {
	g := s.live.Load()
	return g != 0 && g == s.gen.Load()
}

func (s *State) markLive(gen uint64) { s.live.Store(gen) }

func (s *State) markDead(gen uint64) { s.live.CompareAndSwap(gen, 0) }

// JobCount is the number of enabled entries in the job table.
func (s *State) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.enabled {
			n++
		}
	}
	return n
}
