package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Do after the loop has been stopped
var ErrStopped = errors.New("taskrunner: loop stopped")

// Loop runs tasks on one dedicated goroutine in FIFO order. A panicking
// task is logged and does not stop the loop.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	timers  map[*time.Timer]struct{}
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a loop
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// PostTask implements Runner
func (l *Loop) PostTask(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayedTask implements Runner
func (l *Loop) PostDelayedTask(fn func(), d time.Duration) {
	if d <= 0 {
		l.PostTask(fn)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.PostTask(fn)
	})
	l.timers[t] = struct{}{}
}

// Now implements Runner
func (l *Loop) Now() time.Time { return time.Now() }

// Do runs fn on the loop and waits for it to return. It returns ctx.Err()
// if ctx is done first; fn may still run later in that case.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	ran := make(chan struct{})
	l.PostTask(func() {
		defer close(ran)
		fn()
	})

	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop runs every task already queued, cancels pending delayed tasks and
// waits for the loop goroutine to exit. Tasks posted afterwards are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	for t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			l.runTask(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()
	fn()
}
