package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventKill     EventType = "kill"
	EventRestart  EventType = "restart"
	EventDisabled EventType = "disabled"
)

// Record describes the worker an event refers to.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Restarts int    `json:"restarts"`
	Message  string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 256

// Recorder fans events out to a set of sinks from a single background
// goroutine. Record never blocks: when the queue is full the event is
// dropped and logged. Send failures are logged and never propagated to
// the caller; a nil Recorder drops everything.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	closed  bool
	timeout time.Duration
	logger  *slog.Logger

	queue  chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	return newRecorder(logger, DefaultQueueSize, 5*time.Second, sinks...)
}

func newRecorder(logger *slog.Logger, size int, timeout time.Duration, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: timeout,
		logger:  logger,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.drain()
	return r
}

// Add appends sinks to the recorder.
func (r *Recorder) Add(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, sinks...)
	r.mu.Unlock()
}

func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Record queues e for every sink and returns immediately.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || len(r.sinks) == 0 {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "event", e.Type, "name", e.Record.Name)
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		r.mu.RLock()
		sinks := append([]Sink(nil), r.sinks...)
		r.mu.RUnlock()
		for _, s := range sinks {
			r.send(s, e)
		}
	}
}

func (r *Recorder) send(s Sink, e Event) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("history sink panicked", "event", e.Type, "name", e.Record.Name, "panic", v)
		}
	}()
	if err := s.Send(ctx, e); err != nil {
		r.logger.Warn("history sink send failed", "event", e.Type, "name", e.Record.Name, "error", err)
	}
}

// Close stops accepting events, flushes the queue and closes every sink
// that implements io.Closer. Delivery still pending after the send
// timeout is abandoned.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()

		abandon := time.AfterFunc(r.timeout, r.cancel)
		<-r.done
		abandon.Stop()
		r.cancel()

		r.mu.Lock()
		sinks := r.sinks
		r.sinks = nil
		r.mu.Unlock()
		for _, s := range sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
