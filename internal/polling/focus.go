package polling

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FocusTracker holds whether the app is in the foreground.
type FocusTracker struct {
	mu      sync.Mutex
	focused bool
	gained  chan struct{}
}

// NewFocusTracker creates a tracker with the given initial state.
func NewFocusTracker(focused bool) *FocusTracker {
	return &FocusTracker{focused: focused, gained: make(chan struct{})}
}

// SetFocused updates the focus state. Gaining focus wakes every pending delay.
func (f *FocusTracker) SetFocused(focused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if focused && !f.focused {
		close(f.gained)
		f.gained = make(chan struct{})
	}
	f.focused = focused
}

// IsFocused reports the current focus state. A nil tracker is always focused.
func (f *FocusTracker) IsFocused() bool {
	if f == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}

func (f *FocusTracker) snapshot() (bool, <-chan struct{}) {
	if f == nil {
		return true, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused, f.gained
}

// Delay waits ms, then returns if the app is focused. Otherwise it keeps
// waiting until the app gains focus or forceMs has elapsed in total.
func Delay(ctx context.Context, clk clock.Clock, focus *FocusTracker, ms, forceMs time.Duration) error {
	t := clk.Timer(clamp(ms))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return waitForFocus(ctx, clk, focus, forceMs-ms)
}

// OnDelay runs cb after a focus-aware delay unless the returned cancel
// function is called first. The first timer is armed before OnDelay returns.
func OnDelay(clk clock.Clock, focus *FocusTracker, ms, forceMs time.Duration, cb func()) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	t := clk.Timer(clamp(ms))

	go func() {
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		if waitForFocus(ctx, clk, focus, forceMs-ms) == nil {
			cb()
		}
	}()

	return stop
}

func waitForFocus(ctx context.Context, clk clock.Clock, focus *FocusTracker, rest time.Duration) error {
	focused, gained := focus.snapshot()
	if focused || rest <= 0 {
		return ctx.Err()
	}

	t := clk.Timer(rest)
	defer t.Stop()
	select {
	case <-gained:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleep pauses for d on clk. A zero duration only checks ctx.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
