package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_AdvanceAndSince(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(1500 * time.Millisecond)

	if got := clock.Since(start); got != 1500*time.Millisecond {
		t.Errorf("Since() = %v, want 1.5s", got)
	}
	clock.Set(start)
	if !clock.Now().Equal(start) {
		t.Errorf("Set did not move the clock back")
	}
}

func TestMockTicker_FiresOnlyWhenDue(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(100 * time.Millisecond)

	clock.Advance(99 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire when due")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockTicker_Reset(t *testing.T) {
	clock := NewMockClock(time.Time{})
	ticker := clock.NewTicker(time.Second)
	ticker.Reset(10 * time.Millisecond)

	clock.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("reset ticker did not fire at its new period")
	}
}

func TestMockClock_WaitForTickers(t *testing.T) {
	clock := NewMockClock(time.Time{})
	if clock.WaitForTickers(1, 10*time.Millisecond) {
		t.Fatal("expected timeout with no tickers")
	}
	go clock.NewTicker(time.Second)
	if !clock.WaitForTickers(1, time.Second) {
		t.Fatal("ticker creation not observed")
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	timer := RealClock{}.NewTimer(5 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if timer.Stop() {
		t.Error("Stop reported an active timer after it fired")
	}
}

func TestMockTimer_FiresOnceAtDeadline(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(time.Second)

	clock.Advance(999 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	clock.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("timer fired twice")
	default:
	}
}

func TestMockTimer_ResetMeasuresFromNow(t *testing.T) {
	clock := NewMockClock(time.Time{})
	timer := clock.NewTimer(time.Second)
	clock.Advance(800 * time.Millisecond)

	if !timer.Reset(time.Second) {
		t.Error("Reset did not report an active timer")
	}
	clock.Advance(999 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("reset timer kept its old deadline")
	default:
	}
	clock.Advance(time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}

	if timer.Stop() {
		t.Error("Stop reported an active timer after it fired")
	}
	timer.Reset(time.Second)
	timer.Stop()
	clock.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClock_WaitForTimers(t *testing.T) {
	clock := NewMockClock(time.Time{})
	clock.NewTicker(time.Second)
	if clock.WaitForTimers(1, 10*time.Millisecond) {
		t.Fatal("a ticker was counted as a timer")
	}
	go clock.NewTimer(time.Second)
	if !clock.WaitForTimers(1, time.Second) {
		t.Fatal("timer creation not observed")
	}
}
