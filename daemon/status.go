package daemon

import (
	"container/ring"
	"sync"
	"time"
)

// Event is one entry in a Server's lifecycle ring buffer.
type Event struct {
	At    time.Time
	State string
	Note  string
}

// eventRingCapacity bounds how many lifecycle events Status retains;
// older events fall off silently, matching the teacher's log-ring sizing
// approach.
const eventRingCapacity = 256

// events is a small mutex-guarded wrapper around container/ring, the same
// fixed-capacity circular buffer idiom the teacher uses for its daemon
// log buffers.
type events struct {
	mu  sync.Mutex
	buf *ring.Ring
}

func newEvents() *events {
	return &events{buf: ring.New(eventRingCapacity)}
}

func (e *events) record(state, note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Value = Event{At: time.Now(), State: state, Note: note}
	e.buf = e.buf.Next()
}

func (e *events) snapshot() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Event, 0, eventRingCapacity)
	e.buf.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(Event))
	})
	return out
}

// Status is a point-in-time snapshot of a Server suitable for a client's
// "status" command.
type Status struct {
	Name       string
	PID        int
	ServerID   string
	State      string
	SocketPath string
	Events     []Event
}

// Status reports the server's current introspection snapshot.
func (s *Server) Status() Status {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()

	var evs []Event
	if s.hist != nil {
		evs = s.hist.snapshot()
	}

	return Status{
		Name:       s.cfg.Name,
		PID:        s.pid,
		ServerID:   s.serverID,
		State:      stateName(st),
		SocketPath: s.paths.SocketPath,
		Events:     evs,
	}
}
