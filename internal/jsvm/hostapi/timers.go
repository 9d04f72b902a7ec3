package hostapi

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
)

type timer struct {
	id   int64
	at   time.Time
	fn   goja.Callable
	args []goja.Value
}

// Loop is a minimal timer queue for setTimeout. It is driven by the executor
// on the VM goroutine after the entry call returns.
type Loop struct {
	mu     sync.Mutex
	timers map[int64]*timer
	nextID int64
}

// NewLoop creates an empty timer queue.
func NewLoop() *Loop {
	return &Loop{timers: make(map[int64]*timer)}
}

func (l *Loop) register(vm *goja.Runtime) error {
	err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		l.mu.Lock()
		l.nextID++
		id := l.nextID
		l.timers[id] = &timer{id: id, at: time.Now().Add(delay), fn: fn, args: args}
		l.mu.Unlock()
		return vm.ToValue(id)
	})
	if err != nil {
		return err
	}

	return vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()
		return goja.Undefined()
	})
}

// Pending returns the number of scheduled timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) popNext() *timer {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next *timer
	for _, t := range l.timers {
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
			next = t
		}
	}
	if next != nil {
		delete(l.timers, next.id)
	}
	return next
}

// Run fires timers in due order until done reports true, no timers remain, or
// ctx ends. Callbacks run on the calling goroutine.
func (l *Loop) Run(ctx context.Context, done func() bool) error {
	for !done() {
		t := l.popNext()
		if t == nil {
			return nil
		}

		if wait := time.Until(t.at); wait > 0 {
			tm := time.NewTimer(wait)
			select {
			case <-tm.C:
			case <-ctx.Done():
				tm.Stop()
				return ctx.Err()
			}
		}

		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return err
		}
	}
	return nil
}
