package clock

import (
	"testing"
	"time"
)

func TestManualAfterFuncFiresAtDeadline(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := 0
	m.AfterFunc(100*time.Millisecond, func() { fired++ })

	m.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	m.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	m.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestManualTimerStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	m.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if m.PendingTimers() != 0 {
		t.Fatalf("pending = %d", m.PendingTimers())
	}
}

func TestManualTickerDeliversAndDrops(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tk := m.NewTicker(50 * time.Millisecond)
	defer tk.Stop()

	m.Advance(50 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a tick")
	}

	// Several intervals without a reader collapse into one buffered tick.
	m.Advance(200 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a buffered tick")
	}
	select {
	case <-tk.C():
		t.Fatal("ticks should not queue beyond one")
	default:
	}
}

func TestManualTimerCallbackCanRearm(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var arm func()
	arm = func() {
		m.AfterFunc(10*time.Millisecond, func() {
			count++
			if count < 3 {
				arm()
			}
		})
	}
	arm()
	m.Advance(100 * time.Millisecond)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}
