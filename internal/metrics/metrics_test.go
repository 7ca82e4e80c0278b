package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()

	r.PollTriggered("timer")
	r.PollTriggered("timer")
	r.PollTriggered("connect")
	r.PollError()
	r.Update(true)
	r.LedgerState("usb", "done")
	r.SignerError("invalid_password")

	if got := testutil.ToFloat64(r.polls.WithLabelValues("timer")); got != 2 {
		t.Errorf("polls{timer} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.pollErrors); got != 1 {
		t.Errorf("poll errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.updates.WithLabelValues("true")); got != 1 {
		t.Errorf("updates{confident=true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.ledgerStates.WithLabelValues("usb", "done")); got != 1 {
		t.Errorf("ledger states = %v, want 1", got)
	}
}

func TestQueueGauge(t *testing.T) {
	r := New()

	r.QueueAcquired("ton mainnet", 5*time.Millisecond)
	r.QueueAcquired("ton mainnet", 0)
	r.QueueReleased("ton mainnet")

	if got := testutil.ToFloat64(r.queueInflight.WithLabelValues("ton mainnet")); got != 1 {
		t.Errorf("inflight = %v, want 1", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.PollTriggered("timer")
	r.PollError()
	r.Update(false)
	r.QueueAcquired("q", 0)
	r.QueueReleased("q")
	r.LedgerState("ble", "error")
	r.SignerError("x")
}
