package worker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs callbacks on the execution context chosen by the caller.
type Dispatcher interface {
	Dispatch(fn func())
}

// Inline runs callbacks on the worker goroutine.
type Inline struct{}

func (Inline) Dispatch(fn func()) { fn() }

// Loop runs callbacks one at a time on its own goroutine, in dispatch order.
type Loop struct {
	logger *logrus.Entry
	mu     sync.Mutex
	closed bool
	jobs   chan func()
	done   chan struct{}
}

func NewLoop(logger *logrus.Entry) *Loop {
	l := &Loop{
		logger: logger,
		jobs:   make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Dispatch queues fn. After Close, fn runs on the calling goroutine so a
// callback is never dropped.
func (l *Loop) Dispatch(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.invoke(fn)
		return
	}
	l.jobs <- fn
	l.mu.Unlock()
}

// Close waits for queued callbacks to finish.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.jobs)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.jobs {
		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.WithField("panic", r).Error("callback panicked")
		}
	}()
	fn()
}
