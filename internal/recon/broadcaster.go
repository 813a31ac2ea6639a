package recon

import (
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/falconeye/internal/telemetry"
)

// Broadcaster fans events out to the single subscriber of each run.
// Publishing never blocks: events queue in order, an attached
// subscriber drains every event through its done marker, and a
// detached subscriber's events are dropped on arrival.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]*stream
	logger  *log.Logger
	metrics *telemetry.Metrics
}

type stream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	seq      uint64
	done     bool
	detached bool
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func NewBroadcaster(metrics *telemetry.Metrics) *Broadcaster {
	return &Broadcaster{
		streams: make(map[string]*stream),
		logger:  log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		metrics: metrics,
	}
}

// Open creates the event stream for runID. It must be called before the
// run goroutine starts publishing.
func (b *Broadcaster) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.streams[runID]; !exists {
		b.streams[runID] = newStream()
	}
}

// Publish appends an event to the run's stream and returns it with its
// assigned sequence. Events published to an unknown run or after the
// stream's done marker fail with *MalformedEventError.
func (b *Broadcaster) Publish(runID string, typ EventType, message string) (Event, error) {
	b.mu.Lock()
	s, ok := b.streams[runID]
	b.mu.Unlock()
	if !ok {
		return Event{}, &MalformedEventError{RunID: runID, Type: typ}
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return Event{}, &MalformedEventError{RunID: runID, Type: typ}
	}
	ev := Event{RunID: runID, Type: typ, Message: message, Sequence: s.seq}
	s.seq++
	if typ == EventDone {
		s.done = true
	}
	finished := s.done && s.detached
	if !s.detached {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsEmitted.WithLabelValues(string(typ)).Inc()
	}
	if finished {
		// Nobody is left to drain the stream.
		b.remove(runID)
	}
	return ev, nil
}

// NextTimeout behaves like Next but gives up after wait. The third
// return distinguishes a quiet-but-open stream (true) from one that is
// exhausted or unknown (false).
func (b *Broadcaster) NextTimeout(runID string, wait time.Duration) (Event, bool, bool) {
	b.mu.Lock()
	s, ok := b.streams[runID]
	b.mu.Unlock()
	if !ok {
		return Event{}, false, false
	}

	deadline := time.Now().Add(wait)
	s.mu.Lock()
	for len(s.queue) == 0 && !s.detached {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return Event{}, false, true
		}
		t := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		t.Stop()
	}
	if s.detached && len(s.queue) == 0 {
		s.mu.Unlock()
		return Event{}, false, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if ev.Type == EventDone {
		b.remove(runID)
	}
	return ev, true, true
}

// Next blocks until the run's next event is available and returns it in
// publish order. It returns false once the stream is exhausted: after
// the done event has been delivered, after Detach, or for an unknown
// run.
func (b *Broadcaster) Next(runID string) (Event, bool) {
	b.mu.Lock()
	s, ok := b.streams[runID]
	b.mu.Unlock()
	if !ok {
		return Event{}, false
	}

	s.mu.Lock()
	for len(s.queue) == 0 && !s.detached {
		s.cond.Wait()
	}
	if s.detached && len(s.queue) == 0 {
		s.mu.Unlock()
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if ev.Type == EventDone {
		b.remove(runID)
	}
	return ev, true
}

// Detach drops the subscriber: queued events are discarded and future
// events are dropped on publish. A blocked Next call wakes up and
// returns false.
func (b *Broadcaster) Detach(runID string) {
	b.mu.Lock()
	s, ok := b.streams[runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.detached = true
	s.queue = nil
	finished := s.done
	s.cond.Broadcast()
	s.mu.Unlock()

	if finished {
		b.remove(runID)
	}
}

func (b *Broadcaster) remove(runID string) {
	b.mu.Lock()
	delete(b.streams, runID)
	b.mu.Unlock()
}
