package thumbnail

import (
	"fmt"
	"sync"
)

// Lifecycle owns the process-wide Runtime. Init starts it at most once;
// Reset must follow every failed request on the thread that ran it.
type Lifecycle struct {
	rt Runtime

	once sync.Once
	err  error

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewLifecycle(rt Runtime) *Lifecycle {
	return &Lifecycle{rt: rt}
}

// Init starts the runtime. Later calls return the first call's result.
func (l *Lifecycle) Init() error {
	l.once.Do(func() {
		if l.rt == nil {
			l.err = fmt.Errorf("%w: runtime is required", ErrRuntimeInit)
			return
		}
		if err := l.rt.Startup(); err != nil {
			l.err = fmt.Errorf("%w: %v", ErrRuntimeInit, err)
			return
		}
		l.mu.Lock()
		l.started = true
		l.mu.Unlock()
	})
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return fmt.Errorf("%w: runtime was shut down", ErrRuntimeInit)
	}
	return nil
}

// Reset clears error state recorded by the runtime for the calling thread
// and releases the resources bound to it.
func (l *Lifecycle) Reset() {
	if !l.Started() {
		return
	}
	l.rt.ClearError()
	l.rt.ReleaseThread()
}

func (l *Lifecycle) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Shutdown stops the runtime. It cannot be started again afterwards.
func (l *Lifecycle) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.rt.Shutdown()
	l.started = false
	l.stopped = true
}
