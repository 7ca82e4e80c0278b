package polling

import (
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/metrics"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

// ErrorReporter receives failures of poll and update callbacks.
type ErrorReporter func(err error)

// Env carries the process-wide collaborators shared by every polling
// instance. Zero fields are filled with defaults.
type Env struct {
	Clock   clock.Clock
	Focus   *FocusTracker
	Chains  *chain.Registry
	Report  ErrorReporter
	Metrics *metrics.Recorder
	Log     *logging.Logger
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Focus == nil {
		e.Focus = NewFocusTracker(true)
	}
	if e.Chains == nil {
		e.Chains = chain.Default()
	}
	if e.Log == nil {
		e.Log = logging.GetDefault().Component("polling")
	}
	if e.Report == nil {
		log, rec := e.Log, e.Metrics
		e.Report = func(err error) {
			rec.PollError()
			log.Warn("Polling callback failed", "error", err)
		}
	}
	return e
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in polling callback: %v", r)
		}
	}()
	return fn()
}
