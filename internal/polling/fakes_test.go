package polling

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/walletsync/internal/backend"
	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

type fakeWatcher struct {
	mu        sync.Mutex
	connected bool
	destroyed int
	subs      []backend.WalletSubscription
	handlers  backend.WatchHandlers
}

func (w *fakeWatcher) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *fakeWatcher) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed++
}

func (w *fakeWatcher) destroyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

func (w *fakeWatcher) newActivity() { w.handlers.OnNewActivity() }
func (w *fakeWatcher) connect()     { w.handlers.OnConnect() }
func (w *fakeWatcher) disconnect()  { w.handlers.OnDisconnect() }

type fakeWatch struct {
	mu        sync.Mutex
	connected bool
	watchers  []*fakeWatcher
}

func (f *fakeWatch) WatchWallets(network chain.Network, subs []backend.WalletSubscription, handlers backend.WatchHandlers) backend.WalletWatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWatcher{connected: f.connected, subs: subs, handlers: handlers}
	f.watchers = append(f.watchers, w)
	return w
}

func (f *fakeWatch) last() *fakeWatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.watchers) == 0 {
		return nil
	}
	return f.watchers[len(f.watchers)-1]
}

func (f *fakeWatch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func testEnv(clk clock.Clock, sink *errorSink) Env {
	env := Env{
		Clock: clk,
		Focus: NewFocusTracker(true),
		Log:   logging.Discard(),
	}
	if sink != nil {
		env.Report = sink.report
	}
	return env
}

func expectSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectQuiet[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(40 * time.Millisecond):
	}
}

func every(d time.Duration) Period {
	return Period{Focused: d, NotFocused: d}
}
