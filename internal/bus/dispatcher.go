// Package bus fans decoded row changes out to registered listeners.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"qnasession/internal/domain"
	"qnasession/internal/metrics"
)

// ErrUncomparableListener is returned by Register for listener values that
// cannot be compared with ==, such as structs holding maps or slices. Register
// a pointer instead.
var ErrUncomparableListener = errors.New("listener is not comparable; register a pointer")

// ChangeDispatcher multicasts row changes to an ordered set of listeners.
//
// The listener list is copy-on-write: Register and Unregister build a new
// slice under a mutex, while dispatch reads the current slice through an
// atomic pointer and never waits on registration.
type ChangeDispatcher struct {
	listeners atomic.Pointer[[]domain.ChangeListener]
	mu        sync.Mutex // serializes writers
	logger    *slog.Logger

	histMu     sync.Mutex
	history    []domain.Change
	maxHistory int
}

// NewChangeDispatcher creates a dispatcher that keeps the last 200 changes
// for inspection.
func NewChangeDispatcher(logger *slog.Logger) *ChangeDispatcher {
	d := &ChangeDispatcher{logger: logger, maxHistory: 200}
	empty := []domain.ChangeListener{}
	d.listeners.Store(&empty)
	return d
}

// Register appends l unless it is already registered.
func (d *ChangeDispatcher) Register(l domain.ChangeListener) error {
	if l == nil {
		return nil
	}
	if !isComparable(l) {
		return fmt.Errorf("register %T: %w", l, ErrUncomparableListener)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.listeners.Load()
	for _, existing := range cur {
		if existing == l {
			return nil
		}
	}
	next := make([]domain.ChangeListener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	d.listeners.Store(&next)
	return nil
}

// Unregister removes l. Removing an unknown or uncomparable listener is a no-op.
func (d *ChangeDispatcher) Unregister(l domain.ChangeListener) {
	if l == nil || !isComparable(l) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.listeners.Load()
	for i, existing := range cur {
		if existing == l {
			next := make([]domain.ChangeListener, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			d.listeners.Store(&next)
			return
		}
	}
}

// isComparable reports whether == on l is safe, including values stored in
// interface fields.
func isComparable(l domain.ChangeListener) bool {
	return reflect.ValueOf(l).Comparable()
}

// Len returns the number of registered listeners.
func (d *ChangeDispatcher) Len() int {
	return len(*d.listeners.Load())
}

func (d *ChangeDispatcher) DispatchInsert(table string, record domain.Record) {
	d.Dispatch(domain.Change{Type: domain.ChangeInsert, Table: table, Record: record})
}

func (d *ChangeDispatcher) DispatchUpdate(table string, record, oldRecord domain.Record) {
	d.Dispatch(domain.Change{Type: domain.ChangeUpdate, Table: table, Record: record, OldRecord: oldRecord})
}

func (d *ChangeDispatcher) DispatchDelete(table string, oldRecord domain.Record) {
	d.Dispatch(domain.Change{Type: domain.ChangeDelete, Table: table, OldRecord: oldRecord})
}

// Dispatch delivers c to every listener registered when the call starts,
// in registration order. Listener errors and panics are logged and do not
// stop delivery to the remaining listeners.
func (d *ChangeDispatcher) Dispatch(c domain.Change) {
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
	}
	d.remember(c)
	metrics.ChangesDispatched.WithLabelValues(c.Table, string(c.Type)).Inc()

	for _, l := range *d.listeners.Load() {
		if err := d.deliver(l, c); err != nil {
			metrics.ListenerFailures.Inc()
			d.logger.Error("change listener failed",
				"table", c.Table, "type", c.Type, "listener", fmt.Sprintf("%T", l), "err", err)
		}
	}
}

func (d *ChangeDispatcher) deliver(l domain.ChangeListener, c domain.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	switch c.Type {
	case domain.ChangeInsert:
		return l.OnInsert(c.Table, c.Record)
	case domain.ChangeUpdate:
		return l.OnUpdate(c.Table, c.Record, c.OldRecord)
	case domain.ChangeDelete:
		return l.OnDelete(c.Table, c.OldRecord)
	default:
		return fmt.Errorf("unknown change type %q", c.Type)
	}
}

func (d *ChangeDispatcher) remember(c domain.Change) {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	if len(d.history) >= d.maxHistory {
		d.history = d.history[1:]
	}
	d.history = append(d.history, c)
}

// Recent returns up to n of the most recently dispatched changes, oldest first.
func (d *ChangeDispatcher) Recent(n int) []domain.Change {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]domain.Change, n)
	copy(out, d.history[len(d.history)-n:])
	return out
}
