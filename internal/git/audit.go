package git

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Phase tells which half of the protocol an Event describes.
type Phase string

const (
	PhaseAdvertise Phase = "advertise"
	PhaseExchange  Phase = "exchange"
)

// Event records one completed access to a repository.
type Event struct {
	Repo     string
	Service  Service
	Phase    Phase
	BytesIn  int64
	BytesOut int64
	// Refs lists the refs a push asked to update, when they could be read.
	Refs     []string
	Success  bool
	Duration time.Duration
	Err      error
}

// AuditSink receives access events. Implementations may be slow; the Auditor
// keeps them off the request path.
type AuditSink interface {
	Record(Event)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(Event)

func (f AuditFunc) Record(e Event) { f(e) }

// Auditor hands events to a sink from a single background worker. Record never
// blocks: when the queue is full the event is dropped and counted. A nil
// *Auditor discards everything.
type Auditor struct {
	sink    AuditSink
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewAuditor(sink AuditSink, buffer int, logger zerolog.Logger) *Auditor {
	a := &Auditor{
		sink:   sink,
		events: make(chan Event, max(buffer, 1)),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

func (a *Auditor) run() {
	defer close(a.done)
	for e := range a.events {
		a.deliver(e)
	}
}

func (a *Auditor) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("repo", e.Repo).Msg("audit sink panicked")
		}
	}()
	a.sink.Record(e)
}

// Record queues e for the sink.
func (a *Auditor) Record(e Event) {
	if a == nil {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return
	}

	select {
	case a.events <- e:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn().Int64("dropped", n).Msg("audit queue full, dropping events")
		}
	}
}

// Dropped returns the number of events that never reached the sink.
func (a *Auditor) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	<-a.done
	return nil
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{logger: logger}
}

func (s LogSink) Record(e Event) {
	event := s.logger.Info()
	if !e.Success {
		event = s.logger.Warn().Err(e.Err)
	}
	event = event.
		Str("repo", e.Repo).
		Str("service", string(e.Service)).
		Str("phase", string(e.Phase)).
		Int64("bytes_in", e.BytesIn).
		Int64("bytes_out", e.BytesOut).
		Dur("duration", e.Duration).
		Bool("success", e.Success)
	if len(e.Refs) > 0 {
		event = event.Strs("refs", e.Refs)
	}
	event.Msg("git access")
}
