package engine

import (
	"sync"

	"github.com/mschirtzinger/lifesync/internal/queue"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// Observer receives sync-status events. Implementations must not block.
type Observer interface {
	// DrainFinished is called after every drain that got past the
	// concurrency check.
	DrainFinished(r DrainResult)

	// OperationDropped is called when an operation leaves the queue without
	// being applied. reason is metrics.ReasonRejected or
	// metrics.ReasonExhausted.
	OperationDropped(op queue.Operation, reason string, err error)

	// Fallback is called when an entity store call degraded to local-only.
	Fallback(kind, op string, errKind syncerr.Kind, err error)

	// QueueChanged is called with the queue depth after it changes.
	QueueChanged(depth int)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) DrainFinished(DrainResult) {}
func (NopObserver) OperationDropped(queue.Operation, string, error) {}
func (NopObserver) Fallback(string, string, syncerr.Kind, error) {}
func (NopObserver) QueueChanged(int) {}

// observers fans events out to every registered Observer.
type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *observers) each(fn func(Observer)) {
	o.mu.RLock()
	list := append([]Observer(nil), o.list...)
	o.mu.RUnlock()
	for _, obs := range list {
		fn(obs)
	}
}

func (o *observers) DrainFinished(r DrainResult) {
	o.each(func(obs Observer) { obs.DrainFinished(r) })
}

func (o *observers) OperationDropped(op queue.Operation, reason string, err error) {
	o.each(func(obs Observer) { obs.OperationDropped(op, reason, err) })
}

func (o *observers) Fallback(kind, op string, errKind syncerr.Kind, err error) {
	o.each(func(obs Observer) { obs.Fallback(kind, op, errKind, err) })
}

func (o *observers) QueueChanged(depth int) {
	o.each(func(obs Observer) { obs.QueueChanged(depth) })
}
