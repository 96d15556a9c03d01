package estimator

import (
	"testing"
	"time"

	"github.com/friendsincode/cadence/internal/clock"
)

func waitSample(t *testing.T, ch <-chan Estimate) Estimate {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
	return Estimate{}
}

func TestSamplerEmitsEstimates(t *testing.T) {
	clk := clock.NewManual(t0)
	est := New(clk)
	est.Apply(Notification{Seq: 1, ReceivedAt: t0, PositionMs: 1000, DurationMs: 60000, Playing: true, TrackID: "a"})

	samples := make(chan Estimate, 16)
	s := NewSampler(clk, 50*time.Millisecond, est, func(e Estimate) { samples <- e })
	s.Restart()
	defer s.Stop()

	clk.Advance(50 * time.Millisecond)
	got := waitSample(t, samples)
	if got.PositionMs != 1050 {
		t.Fatalf("sample position = %d, want 1050", got.PositionMs)
	}
}

func TestSamplerNeverWritesEstimator(t *testing.T) {
	clk := clock.NewManual(t0)
	est := New(clk)
	est.Apply(Notification{Seq: 7, ReceivedAt: t0, PositionMs: 0, DurationMs: 60000, Playing: true, TrackID: "a"})

	samples := make(chan Estimate, 16)
	s := NewSampler(clk, 10*time.Millisecond, est, func(e Estimate) { samples <- e })
	s.Restart()
	clk.Advance(10 * time.Millisecond)
	waitSample(t, samples)
	s.Stop()

	if est.LastSeq() != 7 {
		t.Fatalf("last seq changed to %d", est.LastSeq())
	}
}

func TestSamplerStopIsIdempotent(t *testing.T) {
	clk := clock.NewManual(t0)
	s := NewSampler(clk, 0, New(clk), func(Estimate) {})
	s.Stop()
	s.Restart()
	if !s.Running() {
		t.Fatal("expected running after restart")
	}
	s.Restart()
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Fatal("expected stopped")
	}
}

func TestSamplerStopCancelsImmediately(t *testing.T) {
	clk := clock.NewManual(t0)
	est := New(clk)
	samples := make(chan Estimate, 16)
	s := NewSampler(clk, 10*time.Millisecond, est, func(e Estimate) { samples <- e })
	s.Restart()
	s.Stop()

	clk.Advance(time.Second)
	select {
	case <-samples:
		t.Fatal("stopped sampler produced a sample")
	case <-time.After(50 * time.Millisecond):
	}
}
