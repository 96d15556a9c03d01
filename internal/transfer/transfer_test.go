package transfer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/kv"
	"github.com/friendsincode/cadence/internal/workout"
)

func newService(t *testing.T) (*Service, *workout.Repository) {
	t.Helper()
	repo := workout.NewRepository(kv.NewMemory(), clock.NewManual(time.Unix(0, 0)), workout.DefaultConfig(), zerolog.Nop())
	return NewService(repo, zerolog.Nop()), repo
}

const mixedDocument = `{
  "tracks": {
    "p1:t1": {"segments": [{"id": "a", "startTime": 0, "endTime": 30000, "type": "warmup", "intensity": 40, "title": "Spin up"}],
              "bpm": {"tempo": 128, "isManual": true}},
    "p1:t2": {"bpm": {"tempo": 100, "isManual": true}},
    "p1:t3": {"segments": [{"startTime": 0, "endTime": 1000, "type": "rest", "intensity": 0}]}
  }
}`

func TestImportSkipsMalformedEntry(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	report, err := svc.Import(ctx, strings.NewReader(mixedDocument), FormatJSON, Options{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Key != "p1:t2" {
		t.Fatalf("skipped = %+v, want only p1:t2", report.Skipped)
	}
	if report.Skipped[0].Reason != "missing segments" {
		t.Fatalf("reason = %q", report.Skipped[0].Reason)
	}
	if len(report.Applied) != 2 || report.OK() {
		t.Fatalf("applied = %v", report.Applied)
	}

	segs, _ := repo.LoadSegments(ctx, "p1", "t1")
	if len(segs) != 1 || segs[0].Title != "Spin up" {
		t.Fatalf("t1 segments = %+v", segs)
	}
	if rec := repo.BPM(ctx, "p1", "t1"); rec.Tempo != 128 || !rec.IsManual {
		t.Fatalf("t1 bpm = %+v", rec)
	}
	if segs, _ := repo.LoadSegments(ctx, "p1", "t3"); len(segs) != 1 || segs[0].ID == "" {
		t.Fatalf("t3 segments = %+v", segs)
	}
}

func TestImportEntryFailures(t *testing.T) {
	tests := []struct {
		name   string
		entry  string
		key    string
		reason string
	}{
		{"not an object", `[1,2]`, "p1:t1", "entry is not an object"},
		{"segments wrong type", `{"segments": "lots"}`, "p1:t1", "segments is not a list of segments"},
		{"bad key", `{"segments": []}`, "nocolon", "key is not playlistId:trackId"},
		{"bad bpm", `{"segments": [], "bpm": {"tempo": 500}}`, "p1:t1", "bpm out of range"},
		{"overlap", `{"segments": [
			{"id":"a","startTime":0,"endTime":5000,"type":"rest"},
			{"id":"b","startTime":4000,"endTime":8000,"type":"rest"}]}`, "p1:t1", "overlaps segment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t)
			doc := `{"tracks": {"` + tt.key + `": ` + tt.entry + `}}`
			report, err := svc.Import(context.Background(), strings.NewReader(doc), FormatJSON, Options{})
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			if len(report.Skipped) != 1 || !strings.Contains(report.Skipped[0].Reason, tt.reason) {
				t.Fatalf("skipped = %+v, want reason containing %q", report.Skipped, tt.reason)
			}
		})
	}
}

func TestImportRejectsTopLevel(t *testing.T) {
	for _, doc := range []string{``, `[]`, `{"segments": []}`, `{"tracks": []}`, `{"tracks": null}`} {
		svc, _ := newService(t)
		_, err := svc.Import(context.Background(), strings.NewReader(doc), FormatJSON, Options{})
		if !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("Import(%q) err = %v, want ErrInvalidDocument", doc, err)
		}
	}
}

func TestImportPlaylistFilter(t *testing.T) {
	svc, _ := newService(t)
	doc := `{"tracks": {"p1:t1": {"segments": []}, "p2:t1": {"segments": []}}}`
	report, err := svc.Import(context.Background(), strings.NewReader(doc), FormatJSON, Options{Playlist: "p1"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Applied) != 1 || report.Applied[0] != "p1:t1" {
		t.Fatalf("applied = %v", report.Applied)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Key != "p2:t1" {
		t.Fatalf("skipped = %v", report.Skipped)
	}
}

func TestExportImportYAML(t *testing.T) {
	src, _ := newService(t)
	ctx := context.Background()
	if _, err := src.Import(ctx, strings.NewReader(mixedDocument), FormatJSON, Options{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var buf bytes.Buffer
	if err := src.Export(ctx, &buf, "p1", FormatYAML); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(buf.String(), "startTime: 0") {
		t.Fatalf("unexpected yaml:\n%s", buf.String())
	}

	dst, repo := newService(t)
	report, err := dst.Import(ctx, &buf, FormatYAML, Options{})
	if err != nil {
		t.Fatalf("import yaml: %v", err)
	}
	if !report.OK() || len(report.Applied) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if rec := repo.BPM(ctx, "p1", "t1"); rec.Tempo != 128 {
		t.Fatalf("bpm after yaml round trip = %+v", rec)
	}
}

func TestExportJSONShape(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Import(ctx, strings.NewReader(mixedDocument), FormatJSON, Options{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var buf bytes.Buffer
	if err := svc.Export(ctx, &buf, "", FormatJSON); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"tracks"`, `"p1:t1"`, `"isManual": true`, `"endTime": 30000`} {
		if !strings.Contains(out, want) {
			t.Fatalf("export missing %s:\n%s", want, out)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "JSON": FormatJSON, "yml": FormatYAML, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("expected error for xml")
	}
	if FormatForPath("plan.YML") != FormatYAML || FormatForPath("plan.json") != FormatJSON {
		t.Fatal("FormatForPath picked the wrong format")
	}
}
