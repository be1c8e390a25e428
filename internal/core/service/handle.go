package service

import (
	"time"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/taskrunner"
)

// handle is the revocable liveness token of an endpoint. Every callback
// into a producer or consumer is posted through its endpoint's handle and
// checks the token when it runs, so work queued before a disconnect never
// reaches freed state.
type handle struct {
	alive bool
}

func newHandle() *handle { return &handle{alive: true} }

func (h *handle) revoke() { h.alive = false }

func (h *handle) post(r taskrunner.Runner, fn func()) {
	r.PostTask(func() {
		if h.alive {
			fn()
		}
	})
}

func (h *handle) postDelayed(r taskrunner.Runner, fn func(), d time.Duration) {
	r.PostDelayedTask(func() {
		if h.alive {
			fn()
		}
	}, d)
}
