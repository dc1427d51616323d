package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitForStatuses(t *testing.T, c *Checker, n int) []Status {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		statuses := c.GetStatuses()
		if len(statuses) >= n {
			return statuses
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d statuses", n)
	return nil
}

func TestCheckerRunsAllRegisteredProbesOnStart(t *testing.T) {
	c := NewChecker(time.Hour)
	c.Register("chain", func(ctx context.Context) error { return nil })
	c.Register("custody", func(ctx context.Context) error { return errors.New("unreachable") })
	c.Start(context.Background())
	defer c.Stop()

	statuses := waitForStatuses(t, c, 2)
	byName := make(map[string]Status)
	for _, s := range statuses {
		byName[s.Name] = s
	}
	if !byName["chain"].Healthy {
		t.Errorf("chain should be healthy")
	}
	if byName["custody"].Healthy || byName["custody"].Error == "" {
		t.Errorf("custody should be unhealthy with an error message: %+v", byName["custody"])
	}
}

func TestCheckerHealthyRequiresAllProbesOK(t *testing.T) {
	c := NewChecker(time.Hour)
	c.Register("chain", func(ctx context.Context) error { return nil })
	c.Start(context.Background())
	defer c.Stop()
	waitForStatuses(t, c, 1)
	if !c.Healthy() {
		t.Fatalf("expected Healthy() true with a single passing probe")
	}

	c2 := NewChecker(time.Hour)
	c2.Register("amm", func(ctx context.Context) error { return errors.New("down") })
	c2.Start(context.Background())
	defer c2.Stop()
	waitForStatuses(t, c2, 1)
	if c2.Healthy() {
		t.Fatalf("expected Healthy() false with a failing probe")
	}
}

func TestCheckerRepeatsOnInterval(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	var calls atomic.Int32
	c.Register("chain", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && calls.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 probe calls, got %d", calls.Load())
	}
}
