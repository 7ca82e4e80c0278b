package polling

import (
	"context"
	"sync"
)

// PollFunc fetches fresh data. It never runs concurrently with itself.
type PollFunc func(ctx context.Context) error

// FallbackPollingScheduler calls a poll function on a timer whose cadence
// depends on whether the activity socket is presumed healthy: a slow
// backstop while connected, the regular polling period while not.
type FallbackPollingScheduler struct {
	env  Env
	opts Options
	poll *throttled

	// cancel stops the cooldown of the poll loop. In-flight polls run
	// with the parent context and are not interrupted.
	cancel context.CancelFunc

	mu        sync.Mutex
	destroyed bool
	gen       uint64
	armed     map[uint64]func()
}

// NewFallbackPollingScheduler arms the first timer immediately and, with
// PollOnStart, fires the first poll right away.
func NewFallbackPollingScheduler(ctx context.Context, poll PollFunc, isSocketConnected bool, opts Options, env Env) *FallbackPollingScheduler {
	env = env.withDefaults()
	life, cancel := context.WithCancel(ctx)

	s := &FallbackPollingScheduler{
		env:    env,
		opts:   opts,
		cancel: cancel,
		armed:  make(map[uint64]func()),
	}
	s.poll = newThrottled(life, func() { s.runPoll(ctx, poll) }, func(c context.Context) {
		focused, notFocused := toDurations(opts.MinPollDelay)
		Delay(c, env.Clock, env.Focus, focused, notFocused)
	})

	s.mu.Lock()
	s.schedulePolling(isSocketConnected)
	s.mu.Unlock()

	if opts.PollOnStart {
		s.trigger("start")
	}
	return s
}

// OnSocketConnect switches to the backstop cadence and polls once, since
// messages may have been missed while disconnected.
func (s *FallbackPollingScheduler) OnSocketConnect() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.schedulePolling(true)
	s.mu.Unlock()

	s.trigger("connect")
}

// OnSocketDisconnect switches to the regular polling cadence.
func (s *FallbackPollingScheduler) OnSocketDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.schedulePolling(false)
}

// OnSocketMessage restarts the backstop timer without polling.
func (s *FallbackPollingScheduler) OnSocketMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.schedulePolling(true)
}

// Destroy cancels the pending timer. A poll already running is allowed to
// finish. Safe to call more than once.
func (s *FallbackPollingScheduler) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.cancelScheduled()
	s.cancel()
}

func (s *FallbackPollingScheduler) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *FallbackPollingScheduler) trigger(reason string) {
	s.env.Metrics.PollTriggered(reason)
	s.poll.trigger()
}

func (s *FallbackPollingScheduler) runPoll(ctx context.Context, poll PollFunc) {
	if s.isDestroyed() {
		return
	}
	if err := safeCall(func() error { return poll(ctx) }); err != nil {
		s.env.Report(err)
	}
}

// schedulePolling must be called with s.mu held.
func (s *FallbackPollingScheduler) schedulePolling(isSocketConnected bool) {
	s.cancelScheduled()

	firstPause, nextPause := startDelay(s.opts), s.opts.PollingPeriod
	if isSocketConnected {
		firstPause, nextPause = s.opts.ForcedPollingPeriod, s.opts.ForcedPollingPeriod
	}
	s.arm(firstPause, nextPause)
}

// arm must be called with s.mu held.
func (s *FallbackPollingScheduler) arm(pause, next Period) {
	s.gen++
	gen := s.gen

	focused, notFocused := toDurations(pause)
	s.armed[gen] = OnDelay(s.env.Clock, s.env.Focus, focused, notFocused, func() {
		s.mu.Lock()
		if _, ok := s.armed[gen]; !ok || s.destroyed {
			s.mu.Unlock()
			return
		}
		delete(s.armed, gen)
		s.arm(next, next)
		s.mu.Unlock()

		s.trigger("timer")
	})
}

// cancelScheduled must be called with s.mu held.
func (s *FallbackPollingScheduler) cancelScheduled() {
	for gen, cancel := range s.armed {
		cancel()
		delete(s.armed, gen)
	}
}

// pendingTimers returns the number of armed timers.
func (s *FallbackPollingScheduler) pendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}
