// Package tlocal wraps github.com/timandy/routine's thread-local storage
// to provide the four-operation OS TLS primitive the allocator spec
// consumes (§6): create, destroy, get, set, plus a best-effort per-value
// cleanup hook run when the owning thread's slot is no longer reachable.
//
// Grounded on _examples/flier-goutil/internal/debug/testing.go, which
// uses routine.NewThreadLocal[T]() the same way.
//
// Go goroutines, unlike OS threads, have no deterministic exit hook, so
// "thread exit" here is approximated with runtime.SetFinalizer on the
// boxed value: once the goroutine that owned a slot is gone and nothing
// else references the box, the garbage collector eventually runs the
// destructor. This is the standard Go idiom for this gap and is
// documented as a spec deviation in DESIGN.md.
package tlocal

import (
	"runtime"

	"github.com/timandy/routine"
)

// Destructor is invoked with the last value set on a thread once that
// thread's slot becomes unreachable, mirroring spec §6's "destructor ...
// receives the last-set value."
type Destructor[T any] func(value T)

type box[T any] struct {
	value T
}

// Local is one thread-local slot holding a value of type T, with an
// optional exit destructor.
type Local[T any] struct {
	tl         routine.ThreadLocal[*box[T]]
	destructor Destructor[T]
}

// New creates a thread-local slot. If destructor is non-nil it runs
// (best-effort, see package doc) once a thread's box becomes unreachable,
// receiving whatever value was last Set on that thread.
func New[T any](destructor Destructor[T]) *Local[T] {
	l := &Local[T]{destructor: destructor}
	l.tl = routine.NewThreadLocal[*box[T]]()
	return l
}

// Get returns the value most recently Set on the calling thread, or the
// zero value if none was ever set.
func (l *Local[T]) Get() T {
	b := l.tl.Get()
	if b == nil {
		var zero T
		return zero
	}
	return b.value
}

// Set installs value as the calling thread's value for this slot.
func (l *Local[T]) Set(value T) {
	if old := l.tl.Get(); old != nil {
		runtime.SetFinalizer(old, nil)
	}
	b := &box[T]{value: value}
	if l.destructor != nil {
		runtime.SetFinalizer(b, func(fb *box[T]) {
			l.destructor(fb.value)
		})
	}
	l.tl.Set(b)
}

// Remove clears the calling thread's value without running the
// destructor, used when the owning thread has already performed an
// explicit, synchronous hand-off, so that the finalizer must not fire a
// second time.
func (l *Local[T]) Remove() {
	if b := l.tl.Get(); b != nil {
		runtime.SetFinalizer(b, nil)
	}
	l.tl.Remove()
}

// GoroutineID returns an identifier for the calling thread of execution,
// used only for debug tracing (internal/debug), never for allocator
// correctness.
func GoroutineID() int64 { return routine.Goid() }
