/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/models"
)

type loadCall struct {
	trackID    string
	positionMs int64
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []loadCall
	err   error
	gate  chan struct{} // when set, LoadTrack blocks until it is closed
}

func (f *fakeLoader) LoadTrack(_ context.Context, trackID string, positionMs int64) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, loadCall{trackID, positionMs})
	return f.err
}

func (f *fakeLoader) Calls() []loadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loadCall(nil), f.calls...)
}

type staticSegments map[string][]models.Segment

func (s staticSegments) List(trackID string) []models.Segment { return s[trackID] }

func threeTracks() []models.Track {
	return []models.Track{
		{ID: "t1", Name: "One", DurationMs: 180000},
		{ID: "t2", Name: "Two", DurationMs: 240000},
		{ID: "t3", Name: "Three", DurationMs: 200000},
	}
}

func TestTimelineOffsets(t *testing.T) {
	tl := NewTimeline(threeTracks())

	want := []int64{0, 180000, 420000}
	for i, w := range want {
		got, ok := tl.Offset(i)
		if !ok || got != w {
			t.Errorf("Offset(%d) = %d, %v; want %d", i, got, ok, w)
		}
	}
	if tl.Total() != 620000 {
		t.Errorf("Total() = %d, want 620000", tl.Total())
	}
	if _, ok := tl.Offset(3); ok {
		t.Error("Offset(3) should be out of range")
	}

	// Rebuilding with the same list is idempotent.
	tl.Rebuild(threeTracks())
	tl.Rebuild(threeTracks())
	if got, _ := tl.Offset(2); got != 420000 || tl.Total() != 620000 {
		t.Errorf("after rebuild offset = %d total = %d", got, tl.Total())
	}
}

func TestTimelineLocate(t *testing.T) {
	tl := NewTimeline(threeTracks())

	tests := []struct {
		abs       int64
		wantIndex int
		wantLocal int64
		wantOK    bool
	}{
		{0, 0, 0, true},
		{179999, 0, 179999, true},
		{180000, 1, 0, true},
		{500000, 2, 80000, true},
		{620000, 2, 200000, true},
		{620001, 0, 0, false},
		{-1, 0, 0, false},
	}
	for _, tt := range tests {
		idx, local, ok := tl.Locate(tt.abs)
		if ok != tt.wantOK || idx != tt.wantIndex || local != tt.wantLocal {
			t.Errorf("Locate(%d) = %d, %d, %v; want %d, %d, %v", tt.abs, idx, local, ok, tt.wantIndex, tt.wantLocal, tt.wantOK)
		}
	}
}

func TestTimelineSegments(t *testing.T) {
	tl := NewTimeline(threeTracks())
	src := staticSegments{
		"t1": {{ID: "a", StartMs: 0, EndMs: 60000}},
		"t2": {{ID: "b", StartMs: 10000, EndMs: 20000}},
	}

	segs := tl.Segments(src)
	if len(segs) != 2 {
		t.Fatalf("Segments() len = %d, want 2", len(segs))
	}
	if segs[1].StartMs != 190000 || segs[1].EndMs != 200000 || segs[1].TrackIndex != 1 {
		t.Errorf("second segment = %+v, want absolute [190000,200000) on track 1", segs[1])
	}
}

func newSequencer(loader Loader) (*Sequencer, *events.Bus) {
	bus := events.NewBus()
	seq := NewSequencer(loader, bus, zerolog.Nop())
	seq.SetTracks(threeTracks())
	return seq, bus
}

func TestAdvanceLoadsNextTrackOnce(t *testing.T) {
	loader := &fakeLoader{}
	seq, bus := newSequencer(loader)
	changed := bus.SubscribeBuffered(events.EventTrackChanged, 4)

	outcome, err := seq.Advance(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if outcome != OutcomeAdvanced {
		t.Fatalf("outcome = %s, want advanced", outcome)
	}

	calls := loader.Calls()
	if len(calls) != 1 || calls[0] != (loadCall{"t2", 0}) {
		t.Fatalf("load calls = %+v, want one load of t2 at 0", calls)
	}
	if seq.Status().Index != 1 {
		t.Fatalf("index = %d, want 1", seq.Status().Index)
	}
	select {
	case p := <-changed:
		if p["track_id"] != "t2" {
			t.Errorf("track changed payload = %v", p)
		}
	default:
		t.Fatal("expected track changed event")
	}

	// A second signal for the track that already ended is stale.
	outcome, _ = seq.Advance(context.Background(), "t1")
	if outcome != OutcomeStale {
		t.Fatalf("repeat outcome = %s, want stale", outcome)
	}
	if len(loader.Calls()) != 1 {
		t.Fatal("stale signal must not load another track")
	}
}

func TestAdvanceAtLastTrackIsTerminal(t *testing.T) {
	loader := &fakeLoader{}
	seq, bus := newSequencer(loader)
	ended := bus.SubscribeBuffered(events.EventPlaylistEnded, 4)

	if err := seq.Jump(context.Background(), 2); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	before := len(loader.Calls())

	for i := 0; i < 3; i++ {
		outcome, err := seq.Advance(context.Background(), "t3")
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		want := OutcomeFinished
		if i > 0 {
			want = OutcomeDuplicate
		}
		if outcome != want {
			t.Fatalf("call %d outcome = %s, want %s", i, outcome, want)
		}
	}

	if got := len(loader.Calls()); got != before {
		t.Fatalf("terminal advance issued %d loads", got-before)
	}
	if !seq.Status().Finished {
		t.Fatal("status should be finished")
	}
	if n := len(ended); n != 1 {
		t.Fatalf("playlist ended events = %d, want 1", n)
	}
}

func TestAdvanceGuardsOverlappingSignals(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	seq, _ := newSequencer(loader)

	first := make(chan Outcome, 1)
	go func() {
		o, _ := seq.Advance(context.Background(), "t1")
		first <- o
	}()

	// Wait until the first advance holds the in-flight flag.
	deadline := time.Now().Add(time.Second)
	for {
		seq.mu.Lock()
		busy := seq.inFlight
		seq.mu.Unlock()
		if busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first advance never started")
		}
		time.Sleep(time.Millisecond)
	}

	outcome, err := seq.Advance(context.Background(), "t1")
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("overlapping advance = %s, %v; want duplicate", outcome, err)
	}
	if err := seq.Jump(context.Background(), 0); !errors.Is(err, ErrBusy) {
		t.Fatalf("Jump during advance = %v, want ErrBusy", err)
	}

	close(loader.gate)
	if o := <-first; o != OutcomeAdvanced {
		t.Fatalf("first advance = %s, want advanced", o)
	}
	if got := len(loader.Calls()); got != 1 {
		t.Fatalf("load calls = %d, want 1", got)
	}
}

func TestAdvanceFailureKeepsIndex(t *testing.T) {
	loader := &fakeLoader{err: errors.New("device offline")}
	seq, _ := newSequencer(loader)

	outcome, err := seq.Advance(context.Background(), "t1")
	if err == nil || outcome != OutcomeFailed {
		t.Fatalf("Advance = %s, %v; want failure", outcome, err)
	}
	if seq.Status().Index != 0 {
		t.Fatalf("index = %d, want 0 after failed load", seq.Status().Index)
	}

	// The flag is released, so a retry goes through.
	loader.err = nil
	if outcome, err := seq.Advance(context.Background(), "t1"); err != nil || outcome != OutcomeAdvanced {
		t.Fatalf("retry = %s, %v", outcome, err)
	}
}

func TestEmptyPlaylist(t *testing.T) {
	seq := NewSequencer(&fakeLoader{}, events.NewBus(), zerolog.Nop())
	if _, err := seq.Advance(context.Background(), ""); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Advance on empty = %v, want ErrEmpty", err)
	}
	if err := seq.Jump(context.Background(), 0); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Jump on empty = %v, want ErrEmpty", err)
	}
}

func TestJumpOutOfRange(t *testing.T) {
	seq, _ := newSequencer(&fakeLoader{})
	if err := seq.Jump(context.Background(), 7); !errors.Is(err, ErrIndexInRange) {
		t.Fatalf("Jump(7) = %v, want ErrIndexInRange", err)
	}
}

func TestPrevious(t *testing.T) {
	loader := &fakeLoader{}
	seq, _ := newSequencer(loader)
	ctx := context.Background()

	if err := seq.Jump(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := seq.Previous(ctx, 45000); err != nil {
		t.Fatal(err)
	}
	if idx := seq.Status().Index; idx != 1 {
		t.Fatalf("Previous deep into a track should restart it, index = %d", idx)
	}
	if err := seq.Previous(ctx, 1000); err != nil {
		t.Fatal(err)
	}
	if idx := seq.Status().Index; idx != 0 {
		t.Fatalf("Previous near the start should go back, index = %d", idx)
	}
	if err := seq.Previous(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if idx := seq.Status().Index; idx != 0 {
		t.Fatalf("Previous at first track stays put, index = %d", idx)
	}
}

func TestSetTracksKeepsCurrentTrack(t *testing.T) {
	seq, _ := newSequencer(&fakeLoader{})
	if err := seq.Jump(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	tracks := append([]models.Track{{ID: "t0", DurationMs: 1000}}, threeTracks()...)
	seq.SetTracks(tracks)

	st := seq.Status()
	if st.Index != 2 || st.Track.ID != "t2" {
		t.Fatalf("status = %+v, want t2 at index 2", st)
	}
	if st.OffsetMs != 181000 {
		t.Fatalf("offset = %d, want 181000", st.OffsetMs)
	}
}

func TestTimelineStableAcrossSetTracks(t *testing.T) {
	seq, _ := newSequencer(&fakeLoader{})
	before := seq.Timeline()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = before.Total()
			_ = before.Tracks()
		}
	}()
	for i := 0; i < 100; i++ {
		seq.SetTracks(threeTracks()[:1+i%3])
	}
	<-done

	if before.Total() != 620000 || before.Len() != 3 {
		t.Fatalf("held timeline changed: total=%d len=%d", before.Total(), before.Len())
	}
	seq.SetTracks(threeTracks()[:1])
	if got := seq.Timeline().Total(); got != 180000 {
		t.Fatalf("new timeline total = %d, want 180000", got)
	}
}

func TestRunAdvancesOnTrackEnded(t *testing.T) {
	loader := &fakeLoader{}
	seq, bus := newSequencer(loader)
	changed := bus.SubscribeBuffered(events.EventTrackChanged, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Run(ctx)

	// Wait for Run to subscribe before publishing.
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(events.EventTrackEnded, events.Payload{"track_id": "t1"})
		select {
		case p := <-changed:
			if p["track_id"] != "t2" {
				t.Fatalf("changed to %v, want t2", p["track_id"])
			}
			if got := len(loader.Calls()); got != 1 {
				t.Fatalf("load calls = %d, want 1", got)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("sequencer never advanced")
		}
	}
}
