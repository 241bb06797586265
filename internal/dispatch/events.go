package dispatch

import (
	"sync"
	"time"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/logger"
)

// EventType names a point in an operation's life.
type EventType string

const (
	EventSubmitted EventType = "Submitted"
	EventRetry     EventType = "Retry"
	EventCompleted EventType = "Completed"
	EventFailed    EventType = "Failed"
	EventCancelled EventType = "Cancelled"
)

// Event is published to observers. Result is set for Retry and terminal
// events. Phase is the phase the operation was in when the event fired, so
// a Cancelled event from a queued operation carries PhaseQueued.
type Event struct {
	Type      EventType
	Operation v1alpha1.Operation
	Result    v1alpha1.Result
	Phase     v1alpha1.OperationPhase
	Attempt   int
	Duration  time.Duration
}

// Terminal reports whether the event ends the operation.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed || e.Type == EventCancelled
}

// Observer receives dispatch events. Observe is called synchronously from
// the dispatching goroutine and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *observers) publish(e Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.list {
		obs.Observe(e)
	}
}

// LogObserver writes one log line per event.
type LogObserver struct {
	log *logger.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(log *logger.Logger) *LogObserver {
	return &LogObserver{log: log}
}

// Observe implements Observer.
func (l *LogObserver) Observe(e Event) {
	kv := []interface{}{
		"op", e.Operation.ID,
		"backend", e.Operation.Backend,
		"verb", e.Operation.Verb,
		"target", e.Operation.Target,
	}
	switch e.Type {
	case EventSubmitted:
		l.log.Debugw("operation submitted", kv...)
	case EventRetry:
		l.log.Infow("retrying operation", append(kv, "attempt", e.Attempt, "error", e.Result.Failure.Message)...)
	case EventCompleted:
		l.log.Infow("operation completed", append(kv, "attempts", e.Attempt, "duration", e.Duration)...)
	case EventFailed:
		l.log.Warnw("operation failed", append(kv, "attempts", e.Attempt, "duration", e.Duration,
			"kind", e.Result.ErrorKind(), "error", e.Result.Failure.Message)...)
	case EventCancelled:
		l.log.Infow("operation cancelled", append(kv, "phase", e.Phase, "duration", e.Duration)...)
	}
}
