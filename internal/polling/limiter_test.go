package polling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

func TestLimitersReuseQueuePerKey(t *testing.T) {
	l := NewLimiters(2, testEnv(clock.New(), nil))

	a := l.Get(chain.TON, chain.Mainnet)
	b := l.Get(chain.TON, chain.Mainnet)
	c := l.Get(chain.TON, chain.Testnet)

	if a != b {
		t.Error("same chain and network should share a queue")
	}
	if a == c {
		t.Error("different networks should not share a queue")
	}
	if a.Key() != "ton mainnet" {
		t.Errorf("Key() = %q, want %q", a.Key(), "ton mainnet")
	}
}

func TestTaskQueueBoundsConcurrency(t *testing.T) {
	q := NewLimiters(2, testEnv(clock.New(), nil)).Get(chain.TON, chain.Mainnet)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 2 {
		t.Errorf("max concurrent tasks = %d, want 2", maxSeen)
	}
}

func TestTaskQueueIsFIFO(t *testing.T) {
	q := NewLimiters(1, testEnv(clock.New(), nil)).Get(chain.TON, chain.Mainnet)

	release := make(chan struct{})
	started := make(chan struct{})
	go q.Run(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Let each task reach the queue before the next one.
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i+1 {
			t.Fatalf("run order = %v, want [1 2 3 4]", order)
		}
	}
}

func TestTaskQueueCancelledWhileWaiting(t *testing.T) {
	q := NewLimiters(1, testEnv(clock.New(), nil)).Get(chain.TON, chain.Mainnet)

	release := make(chan struct{})
	started := make(chan struct{})
	go q.Run(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := q.Run(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if err == nil {
		t.Error("Run() should fail when ctx ends while waiting")
	}
	if ran {
		t.Error("task ran despite cancelled wait")
	}
}

func TestSetupInactiveChainPolling(t *testing.T) {
	watch := &fakeWatch{connected: true}
	m := NewManager(ManagerConfig{
		Env:                 testEnv(clock.New(), nil),
		Watch:               watch,
		InactiveTiming:      quietTiming(),
		InactiveConcurrency: 1,
	})

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	finished := make(chan struct{}, 4)
	teardown := m.SetupInactiveChainPolling(context.Background(), chain.TON, chain.Mainnet, "EQaddr", func(context.Context) error {
		started <- struct{}{}
		<-release
		finished <- struct{}{}
		return nil
	})

	w := watch.last()
	w.newActivity()
	expectSignal(t, started, "queued balance update")

	teardown()
	teardown()
	if got := w.destroyCount(); got != 1 {
		t.Errorf("watcher destroyed %d times, want 1", got)
	}

	close(release)
	expectSignal(t, finished, "submitted update runs to completion")

	w.newActivity()
	expectQuiet(t, started, "update after teardown")
}

func TestInactiveQueueIsSharedAcrossWallets(t *testing.T) {
	watch := &fakeWatch{connected: true}
	m := NewManager(ManagerConfig{
		Env:                 testEnv(clock.New(), nil),
		Watch:               watch,
		InactiveTiming:      quietTiming(),
		InactiveConcurrency: 1,
	})

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	done := make(chan struct{}, 8)
	update := func(context.Context) error {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	for _, addr := range []string{"EQa", "EQb", "EQc"} {
		teardown := m.SetupInactiveChainPolling(context.Background(), chain.TON, chain.Mainnet, addr, update)
		defer teardown()
	}

	watch.mu.Lock()
	watchers := append([]*fakeWatcher(nil), watch.watchers...)
	watch.mu.Unlock()
	for _, w := range watchers {
		w.newActivity()
	}
	for range watchers {
		expectSignal(t, done, "balance update")
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 1 {
		t.Errorf("max concurrent background updates = %d, want 1", maxSeen)
	}
}
