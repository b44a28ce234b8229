package sysmetrics

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunStopsOnStop(t *testing.T) {
	c := New(10*time.Millisecond, zap.NewNop())

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
