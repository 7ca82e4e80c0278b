package polling

import (
	"context"
	"sync"
)

// throttled runs fn on demand without ever overlapping itself. Requests
// arriving while fn runs, or during the cooldown that follows, collapse
// into a single extra run after the cooldown.
type throttled struct {
	ctx  context.Context
	fn   func()
	wait func(ctx context.Context)

	mu      sync.Mutex
	running bool
	queued  bool
}

func newThrottled(ctx context.Context, fn func(), wait func(ctx context.Context)) *throttled {
	return &throttled{ctx: ctx, fn: fn, wait: wait}
}

func (t *throttled) trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return
	}
	if t.running {
		t.queued = true
		return
	}
	t.running = true
	go t.loop()
}

func (t *throttled) loop() {
	for {
		t.fn()
		t.wait(t.ctx)

		t.mu.Lock()
		if !t.queued || t.ctx.Err() != nil {
			t.running = false
			t.queued = false
			t.mu.Unlock()
			return
		}
		t.queued = false
		t.mu.Unlock()
	}
}

func (t *throttled) busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
