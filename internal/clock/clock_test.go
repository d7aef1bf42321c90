package clock_test

import (
	"testing"
	"time"

	"pkt.systems/dblive/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestRealSleepSleepsAtLeastDuration(t *testing.T) {
	t.Parallel()

	start := time.Now()
	clock.Real{}.Sleep(5 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Fatalf("sleep duration too short: %v", elapsed)
	}
}

func TestDefaultFallsBackToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Default(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Default(manual) != clock.Clock(manual) {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(100, 0))
	early := manual.After(time.Second)
	late := manual.After(5 * time.Second)
	manual.BlockUntil(2)

	manual.Advance(2 * time.Second)
	select {
	case <-early:
	default:
		t.Fatal("expected 1s timer to fire after advancing 2s")
	}
	select {
	case <-late:
		t.Fatal("5s timer fired early")
	default:
	}
	if got := manual.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
	manual.Advance(3 * time.Second)
	select {
	case <-late:
	default:
		t.Fatal("expected 5s timer to fire")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(0, 0))
	select {
	case <-manual.After(0):
	default:
		t.Fatal("expected zero duration timer to fire immediately")
	}
}
