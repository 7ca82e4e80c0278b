package polling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestDelayFocused(t *testing.T) {
	clk := clock.NewMock()
	focus := NewFocusTracker(true)
	done := make(chan error, 1)

	go func() { done <- Delay(context.Background(), clk, focus, time.Second, 10*time.Second) }()
	time.Sleep(10 * time.Millisecond)

	clk.Add(time.Second)
	if err := expectSignal(t, done, "delay"); err != nil {
		t.Errorf("Delay() error = %v", err)
	}
}

func TestDelayBackgroundedWaitsForForced(t *testing.T) {
	clk := clock.NewMock()
	focus := NewFocusTracker(false)
	done := make(chan error, 1)

	go func() { done <- Delay(context.Background(), clk, focus, time.Second, 10*time.Second) }()
	time.Sleep(10 * time.Millisecond)

	clk.Add(time.Second)
	expectQuiet(t, done, "delay end while backgrounded")

	clk.Add(9 * time.Second)
	expectSignal(t, done, "delay end at forced duration")
}

func TestDelayEndsWhenFocusReturns(t *testing.T) {
	clk := clock.NewMock()
	focus := NewFocusTracker(false)
	done := make(chan error, 1)

	go func() { done <- Delay(context.Background(), clk, focus, time.Second, time.Hour) }()
	time.Sleep(10 * time.Millisecond)

	clk.Add(time.Second)
	expectQuiet(t, done, "delay end while backgrounded")

	focus.SetFocused(true)
	expectSignal(t, done, "delay end on focus")
}

func TestDelayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- Delay(ctx, clock.NewMock(), nil, time.Hour, time.Hour) }()
	cancel()

	if err := expectSignal(t, done, "cancelled delay"); !errors.Is(err, context.Canceled) {
		t.Errorf("Delay() error = %v, want context.Canceled", err)
	}
}

func TestOnDelayCancel(t *testing.T) {
	clk := clock.NewMock()
	fired := make(chan struct{}, 1)

	cancel := OnDelay(clk, nil, time.Second, time.Second, func() { fired <- struct{}{} })
	cancel()
	clk.Add(time.Second)

	expectQuiet(t, fired, "callback after cancel")
}

func TestNilFocusTrackerIsFocused(t *testing.T) {
	var f *FocusTracker
	if !f.IsFocused() {
		t.Error("nil tracker should report focused")
	}
}
