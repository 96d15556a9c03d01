package editor

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/models"
	"github.com/friendsincode/cadence/internal/segment"
)

// 200 s track on a 2000 px timeline: 100 ms per pixel.
func newFixture(t *testing.T) (*segment.Store, *Editor) {
	t.Helper()
	store := segment.NewStore(zerolog.Nop())
	store.SetTrack("t", 200000)
	for _, s := range []models.Segment{
		{ID: "a", StartMs: 10000, EndMs: 40000, Type: models.SegmentWarmup, Intensity: 40},
		{ID: "b", StartMs: 60000, EndMs: 80000, Type: models.SegmentSteady, Intensity: 60},
		{ID: "c", StartMs: 90000, EndMs: 120000, Type: models.SegmentSprint, Intensity: models.IntensityMax},
	} {
		if _, err := store.Upsert("t", s); err != nil {
			t.Fatal(err)
		}
	}
	return store, New(store, 1000, zerolog.Nop())
}

func TestDragEndStopsBeforeNextNeighbour(t *testing.T) {
	store, ed := newFixture(t)
	if err := ed.BeginDrag("t", "b", EdgeEnd, 800, 2000); err != nil {
		t.Fatal(err)
	}

	for x := 800.0; x <= 1600; x += 7 {
		got, err := ed.Drag(x)
		if err != nil {
			t.Fatalf("drag to %v: %v", x, err)
		}
		if got.EndMs > 90000-1000 {
			t.Fatalf("end = %d exceeds neighbour start minus floor", got.EndMs)
		}
	}
	ed.EndDrag()

	got, _ := store.Get("t", "b")
	if got.EndMs != 89000 {
		t.Fatalf("end = %d, want 89000", got.EndMs)
	}
}

func TestDragStartStopsAfterPreviousNeighbour(t *testing.T) {
	store, ed := newFixture(t)
	if err := ed.BeginDrag("t", "b", EdgeStart, 600, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Drag(0); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get("t", "b")
	if got.StartMs != 41000 {
		t.Fatalf("start = %d, want 41000", got.StartMs)
	}
}

func TestDragKeepsMinimumDuration(t *testing.T) {
	store, ed := newFixture(t)

	if err := ed.BeginDrag("t", "b", EdgeStart, 600, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Drag(1900); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get("t", "b")
	if got.StartMs != 79000 {
		t.Fatalf("start = %d, want end minus floor 79000", got.StartMs)
	}
	ed.EndDrag()

	if err := ed.BeginDrag("t", "b", EdgeEnd, 800, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Drag(-500); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get("t", "b")
	if got.DurationMs() != 1000 {
		t.Fatalf("duration = %d, want floor 1000", got.DurationMs())
	}
}

func TestDragClampsToTrack(t *testing.T) {
	store, ed := newFixture(t)
	if err := ed.BeginDrag("t", "a", EdgeStart, 100, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Drag(-10000); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get("t", "a")
	if got.StartMs != 0 {
		t.Fatalf("start = %d, want 0", got.StartMs)
	}
	ed.EndDrag()

	if err := ed.BeginDrag("t", "c", EdgeEnd, 1200, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Drag(99999); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get("t", "c")
	if got.EndMs != 200000 {
		t.Fatalf("end = %d, want track end", got.EndMs)
	}
}

func TestDragIsLiveAndLastWriteWins(t *testing.T) {
	store, ed := newFixture(t)
	if err := ed.BeginDrag("t", "a", EdgeEnd, 400, 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Drag(450); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get("t", "a")
	if got.EndMs != 45000 {
		t.Fatalf("after first move end = %d, want 45000", got.EndMs)
	}
	if _, err := ed.Drag(420); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get("t", "a")
	if got.EndMs != 42000 {
		t.Fatalf("after second move end = %d, want 42000", got.EndMs)
	}
}

func TestTouchingNeighbourDoesNotPushEdge(t *testing.T) {
	store, ed := newFixture(t)
	if _, _, err := store.Split("t", 70000); err != nil {
		t.Fatal(err)
	}
	segs := store.List("t")
	right := segs[2]
	if right.StartMs != 70000 {
		t.Fatalf("unexpected layout: %+v", segs)
	}

	if err := ed.BeginDrag("t", right.ID, EdgeStart, 700, 2000); err != nil {
		t.Fatal(err)
	}
	got, err := ed.Drag(690)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartMs != 70000 {
		t.Fatalf("start moved to %d, want unchanged 70000", got.StartMs)
	}
	got, err = ed.Drag(720)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartMs != 72000 {
		t.Fatalf("start = %d, want 72000", got.StartMs)
	}
}

func TestDragErrors(t *testing.T) {
	store, ed := newFixture(t)

	if _, err := ed.Drag(10); !errors.Is(err, ErrNoGesture) {
		t.Fatalf("drag without begin: %v", err)
	}
	if err := ed.BeginDrag("t", "a", EdgeEnd, 0, 0); !errors.Is(err, ErrInvalidTimeline) {
		t.Fatalf("zero width: %v", err)
	}
	if err := ed.BeginDrag("t", "zz", EdgeEnd, 0, 100); !errors.Is(err, segment.ErrNotFound) {
		t.Fatalf("missing segment: %v", err)
	}

	if err := ed.BeginDrag("t", "a", EdgeEnd, 400, 2000); err != nil {
		t.Fatal(err)
	}
	store.Remove("t", "a")
	if _, err := ed.Drag(420); !errors.Is(err, segment.ErrNotFound) {
		t.Fatalf("vanished segment: %v", err)
	}
	if ed.Dragging() {
		t.Fatal("gesture should end when its segment disappears")
	}
}

func TestParseEdge(t *testing.T) {
	if e, err := ParseEdge("start"); err != nil || e != EdgeStart {
		t.Fatalf("start: %v %v", e, err)
	}
	if e, err := ParseEdge("end"); err != nil || e != EdgeEnd {
		t.Fatalf("end: %v %v", e, err)
	}
	if _, err := ParseEdge("middle"); err == nil {
		t.Fatal("expected error")
	}
}
