package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"

	"github.com/kraklabs/mpc-gateway/internal/obslog"
)

// emitTimeout is how long Emit blocks trying to hand an event to the writer
// goroutine before dropping it and counting the drop.
const emitTimeout = 50 * time.Millisecond

// Sink is an append-only audit event writer: a bounded buffered channel
// feeds a single writer goroutine appending canonical JSON lines to disk, so
// no request path ever waits on disk I/O; Emit waits at most emitTimeout.
type Sink struct {
	events  chan Event
	file    *os.File
	log     *obslog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Open creates a Sink appending to path (created if absent) with a buffered
// channel of the given capacity.
func Open(path string, capacity int, log *obslog.Logger) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "audit: open %q", path)
	}
	s := &Sink{
		events: make(chan Event, capacity),
		file:   f,
		log:    log,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Sink) run() {
	defer close(s.done)
	w := bufio.NewWriter(s.file)
	defer w.Flush()

	for ev := range s.events {
		b, err := json.Marshal(ev)
		if err != nil {
			s.log.Errorf("audit-marshal", "event %s: %v", ev.ID, err)
			continue
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			s.log.Errorf("audit-write", "event %s: %v", ev.ID, err)
			continue
		}
		w.Flush()
	}
}

// Emit hands ev to the writer goroutine, blocking for up to 50ms. If the
// buffer stays full past that budget the event is dropped and counted
// rather than blocking the caller's request path.
func (s *Sink) Emit(ev Event) {
	ev.Actor = hashActor(ev.Actor)
	select {
	case s.events <- ev:
	case <-time.After(emitTimeout):
		s.dropped.Add(1)
		s.log.Warnf("audit-dropped", "event %s type=%s dropped after %s backpressure", ev.ID, ev.Type, emitTimeout)
	}
}

// Dropped reports how many events have been dropped to backpressure since
// the sink was opened.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting new events and waits for the writer goroutine to
// flush and exit.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.events)
	})
	<-s.done
	return s.file.Close()
}
