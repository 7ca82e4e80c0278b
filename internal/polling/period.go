// Package polling decides when wallet data must be refetched. It combines the
// backend activity socket with a focus-aware fallback timer and bounds the
// number of background refreshes per chain and network.
package polling

import (
	"time"

	"github.com/Klingon-tech/walletsync/internal/config"
)

// Period is a delay with a focused and a backgrounded magnitude.
type Period = config.Period

// Options configures a FallbackPollingScheduler.
type Options = config.TimingConfig

// toDurations resolves a Period into the pair used by focus-aware delays.
// Negative values are clamped to zero.
func toDurations(p Period) (focused, notFocused time.Duration) {
	return clamp(p.Focused), clamp(p.NotFocused)
}

// shrink subtracts d from both magnitudes of p.
func shrink(p Period, d time.Duration) Period {
	return Period{Focused: clamp(p.Focused - d), NotFocused: clamp(p.NotFocused - d)}
}

func startDelay(o Options) Period {
	if o.PollingStartDelay != nil {
		return *o.PollingStartDelay
	}
	return o.PollingPeriod
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
