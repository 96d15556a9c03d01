/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/device"
	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/models"
)

// fakeDevice records commands and lets tests push notifications.
type fakeDevice struct {
	device.Hub

	mu            sync.Mutex
	calls         []string
	connectErrs   []error
	connectGate   chan struct{}
	loadErr       error
	pauseErr      error
	disconnectErr error
}

func (f *fakeDevice) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevice) Connect(context.Context) error {
	if f.connectGate != nil {
		<-f.connectGate
	}
	f.record("connect")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	f.connectErrs = f.connectErrs[1:]
	return err
}

func (f *fakeDevice) LoadAndPlay(_ context.Context, trackID string, positionMs int64) error {
	f.record(fmt.Sprintf("load:%s@%d", trackID, positionMs))
	return f.loadErr
}

func (f *fakeDevice) Pause(context.Context) error {
	f.record("pause")
	return f.pauseErr
}

func (f *fakeDevice) Resume(context.Context) error {
	f.record("resume")
	return nil
}

func (f *fakeDevice) Seek(_ context.Context, positionMs int64) error {
	f.record(fmt.Sprintf("seek:%d", positionMs))
	return nil
}

func (f *fakeDevice) State(context.Context) (device.State, error) {
	return device.State{TrackID: "t1", PositionMs: 42000, DurationMs: 180000}, nil
}

func (f *fakeDevice) Disconnect() error {
	f.record("disconnect")
	return f.disconnectErr
}

type fixture struct {
	dev *fakeDevice
	clk *clock.Manual
	bus *events.Bus
	s   *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := &fakeDevice{}
	clk := clock.NewManual(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	s := New(dev, clk, bus, DefaultConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = s.Teardown(context.Background()) })
	return &fixture{dev: dev, clk: clk, bus: bus, s: s}
}

func (f *fixture) active(t *testing.T, trackID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.s.LoadTrack(ctx, trackID, 0); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  models.SessionState
		to    models.SessionState
		valid bool
	}{
		{"disconnected to connecting", models.SessionDisconnected, models.SessionConnecting, true},
		{"disconnected to ready invalid", models.SessionDisconnected, models.SessionReady, false},
		{"disconnected to active invalid", models.SessionDisconnected, models.SessionActive, false},

		{"connecting to ready", models.SessionConnecting, models.SessionReady, true},
		{"connecting to error", models.SessionConnecting, models.SessionError, true},
		{"connecting to disconnecting", models.SessionConnecting, models.SessionDisconnecting, true},
		{"connecting to active invalid", models.SessionConnecting, models.SessionActive, false},

		{"ready to active", models.SessionReady, models.SessionActive, true},
		{"ready to error", models.SessionReady, models.SessionError, true},
		{"ready to disconnecting", models.SessionReady, models.SessionDisconnecting, true},

		{"active to error", models.SessionActive, models.SessionError, true},
		{"active to disconnecting", models.SessionActive, models.SessionDisconnecting, true},
		{"active to connecting invalid", models.SessionActive, models.SessionConnecting, false},

		{"error to connecting", models.SessionError, models.SessionConnecting, true},
		{"error to disconnecting", models.SessionError, models.SessionDisconnecting, true},
		{"error to ready invalid", models.SessionError, models.SessionReady, false},

		{"disconnecting to disconnected", models.SessionDisconnecting, models.SessionDisconnected, true},
		{"disconnecting to connecting invalid", models.SessionDisconnecting, models.SessionConnecting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidTransition(tt.from, tt.to); got != tt.valid {
				t.Errorf("isValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.valid)
			}
		})
	}
}

func TestConnectAndLoad(t *testing.T) {
	f := newFixture(t)
	states := f.bus.SubscribeBuffered(events.EventSessionState, 16)
	ctx := context.Background()

	if err := f.s.LoadTrack(ctx, "t1", 0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("LoadTrack before connect = %v, want ErrNotReady", err)
	}

	if err := f.s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f.s.State() != models.SessionReady {
		t.Fatalf("state = %s, want ready", f.s.State())
	}
	if f.dev.Listeners() != 2 {
		t.Fatalf("listeners = %d, want 2", f.dev.Listeners())
	}

	if err := f.s.LoadTrack(ctx, "t1", 5000); err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	if f.s.State() != models.SessionActive {
		t.Fatalf("state = %s, want active", f.s.State())
	}

	est := f.s.Estimator().Current()
	if est.TrackID != "t1" || est.PositionMs != 5000 || !est.Playing {
		t.Fatalf("optimistic estimate = %+v", est)
	}

	var path []string
	for _, p := range drain(states) {
		path = append(path, p["to"].(string))
	}
	want := []string{"connecting", "ready", "active"}
	if fmt.Sprint(path) != fmt.Sprint(want) {
		t.Fatalf("state path = %v, want %v", path, want)
	}
}

func TestNotificationsDriveEstimate(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")

	f.dev.EmitState(device.State{Seq: 5, TrackID: "t1", PositionMs: 30000, DurationMs: 180000})
	f.clk.Advance(1200 * time.Millisecond)
	if got := f.s.Estimator().Current().PositionMs; got != 31200 {
		t.Fatalf("position = %d, want 31200", got)
	}

	// An older notification arriving late must not roll the estimate back.
	f.dev.EmitState(device.State{Seq: 3, TrackID: "t1", PositionMs: 10000, DurationMs: 180000})
	if got := f.s.Estimator().Current().PositionMs; got != 31200 {
		t.Fatalf("position after stale = %d, want 31200", got)
	}

	f.dev.EmitState(device.State{Seq: 6, TrackID: "t1", PositionMs: 40000, DurationMs: 180000, Paused: true})
	f.clk.Advance(5 * time.Second)
	est := f.s.Estimator().Current()
	if est.PositionMs != 40000 || est.Playing {
		t.Fatalf("paused estimate = %+v", est)
	}
}

func TestNotificationsWithoutSeqAreStamped(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")

	f.dev.EmitState(device.State{TrackID: "t1", PositionMs: 1000, DurationMs: 180000})
	f.dev.EmitState(device.State{TrackID: "t1", PositionMs: 2000, DurationMs: 180000})

	if seq := f.s.Estimator().LastSeq(); seq != 2 {
		t.Fatalf("LastSeq = %d, want 2", seq)
	}
	if got := f.s.Estimator().Current().PositionMs; got != 2000 {
		t.Fatalf("position = %d, want 2000", got)
	}
}

func TestLoadSupersedesOlderReports(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")
	f.dev.EmitState(device.State{Seq: 1, TrackID: "t1", PositionMs: 170000, DurationMs: 180000})

	if err := f.s.LoadTrack(context.Background(), "t2", 0); err != nil {
		t.Fatal(err)
	}
	// A report for the old track that was in flight during the load.
	f.dev.EmitState(device.State{Seq: 2, TrackID: "t1", PositionMs: 171000, DurationMs: 180000})
	if got := f.s.Estimator().Current().TrackID; got != "t2" {
		t.Fatalf("track = %s, want t2", got)
	}

	f.dev.EmitState(device.State{Seq: 3, TrackID: "t2", PositionMs: 100, DurationMs: 200000})
	est := f.s.Estimator().Current()
	if est.TrackID != "t2" || est.PositionMs != 100 || est.DurationMs != 200000 {
		t.Fatalf("estimate = %+v", est)
	}
}

func TestDeviceReportsTrackEnd(t *testing.T) {
	f := newFixture(t)
	ended := f.bus.SubscribeBuffered(events.EventTrackEnded, 4)
	f.active(t, "t1")

	f.dev.EmitState(device.State{Seq: 1, TrackID: "t1", PositionMs: 179800, DurationMs: 180000, Paused: true})
	f.dev.EmitState(device.State{Seq: 2, TrackID: "t1", PositionMs: 180000, DurationMs: 180000, Paused: true})

	got := drain(ended)
	if len(got) != 1 {
		t.Fatalf("track ended events = %d, want 1", len(got))
	}
	if got[0]["source"] != "device" || got[0]["track_id"] != "t1" {
		t.Fatalf("payload = %v", got[0])
	}
}

func TestDeviceErrors(t *testing.T) {
	f := newFixture(t)
	errs := f.bus.SubscribeBuffered(events.EventDeviceError, 4)
	f.active(t, "t1")

	f.dev.EmitError(&device.Error{Class: device.ClassPlayback, Message: "track unavailable"})
	if f.s.State() != models.SessionActive {
		t.Fatalf("playback error changed state to %s", f.s.State())
	}

	f.dev.EmitError(&device.Error{Class: device.ClassAuthentication, Message: "token expired"})
	if f.s.State() != models.SessionError {
		t.Fatalf("state = %s, want error", f.s.State())
	}
	var de *device.Error
	if !errors.As(f.s.LastError(), &de) || de.Class != device.ClassAuthentication {
		t.Fatalf("LastError = %v", f.s.LastError())
	}

	got := drain(errs)
	if len(got) != 2 || got[0]["fatal"] != false || got[1]["fatal"] != true {
		t.Fatalf("device error events = %v", got)
	}
}

func TestRetryBudget(t *testing.T) {
	f := newFixture(t)
	fatal := f.bus.SubscribeBuffered(events.EventSessionFatal, 4)
	initErr := &device.Error{Class: device.ClassInitialization, Message: "sdk failed"}
	f.dev.connectErrs = []error{initErr, initErr, initErr, initErr}
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		err := f.s.Connect(ctx)
		if err == nil || errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("attempt %d = %v, want plain failure", i, err)
		}
		if f.s.State() != models.SessionError {
			t.Fatalf("attempt %d state = %s, want error", i, f.s.State())
		}
	}

	if err := f.s.Connect(ctx); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("third attempt = %v, want ErrRetriesExhausted", err)
	}
	if len(drain(fatal)) != 1 {
		t.Fatal("expected one session fatal event")
	}

	connects := len(f.dev.Calls())
	if err := f.s.Connect(ctx); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("attempt after budget = %v, want ErrRetriesExhausted", err)
	}
	if len(f.dev.Calls()) != connects {
		t.Fatal("exhausted session must not dial again")
	}

	f.s.ResetRetries()
	f.dev.connectErrs = nil
	if err := f.s.Connect(ctx); err != nil {
		t.Fatalf("Connect after reset: %v", err)
	}
	if f.dev.Listeners() != 2 {
		t.Fatalf("listeners = %d after reconnect, want 2", f.dev.Listeners())
	}
}

func TestConnectWithRetry(t *testing.T) {
	f := newFixture(t)
	initErr := &device.Error{Class: device.ClassInitialization, Message: "not yet"}
	f.dev.connectErrs = []error{initErr, initErr}

	done := make(chan error, 1)
	go func() { done <- f.s.ConnectWithRetry(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("ConnectWithRetry: %v", err)
			}
			if f.s.State() != models.SessionReady {
				t.Fatalf("state = %s, want ready", f.s.State())
			}
			return
		case <-deadline:
			t.Fatal("ConnectWithRetry did not finish")
		case <-time.After(time.Millisecond):
			f.clk.Advance(2 * time.Second)
		}
	}
}

func TestConnectWithRetryStopsOnAuthentication(t *testing.T) {
	f := newFixture(t)
	f.dev.connectErrs = []error{&device.Error{Class: device.ClassAuthentication, Message: "bad token"}}

	err := f.s.ConnectWithRetry(context.Background())
	de, ok := device.AsError(err)
	if !ok || de.Class != device.ClassAuthentication {
		t.Fatalf("ConnectWithRetry = %v, want authentication error", err)
	}
	if n := len(f.dev.Calls()); n != 1 {
		t.Fatalf("connect calls = %d, want 1", n)
	}
}

func TestPauseResumeSeek(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.s.Pause(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Pause before active = %v, want ErrNotReady", err)
	}

	f.active(t, "t1")
	f.clk.Advance(2 * time.Second)

	if err := f.s.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	est := f.s.Estimator().Current()
	if est.Playing || est.PositionMs != 2000 {
		t.Fatalf("after pause estimate = %+v", est)
	}

	if err := f.s.Seek(ctx, 60000); err != nil {
		t.Fatal(err)
	}
	if got := f.s.Estimator().Current().PositionMs; got != 60000 {
		t.Fatalf("after seek position = %d", got)
	}

	if err := f.s.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(500 * time.Millisecond)
	if got := f.s.Estimator().Current().PositionMs; got != 60500 {
		t.Fatalf("after resume position = %d, want 60500", got)
	}

	want := []string{"connect", "load:t1@0", "pause", "seek:60000", "resume"}
	if got := f.dev.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")
	if err := f.s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.s.Estimator().Current().PositionMs; got != 42000 {
		t.Fatalf("position = %d, want 42000", got)
	}
}

func TestTeardownOrder(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")
	f.dev.pauseErr = errors.New("device gone")

	if err := f.s.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	calls := f.dev.Calls()
	tail := calls[len(calls)-2:]
	if tail[0] != "pause" || tail[1] != "disconnect" {
		t.Fatalf("teardown calls = %v, want pause then disconnect", tail)
	}
	if f.dev.Listeners() != 0 {
		t.Fatalf("listeners = %d after teardown", f.dev.Listeners())
	}
	if f.s.State() != models.SessionDisconnected {
		t.Fatalf("state = %s, want disconnected", f.s.State())
	}
	if f.s.Estimator().Current().Valid {
		t.Fatal("estimator should be reset")
	}
}

func TestTeardownTwice(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.s.Teardown(ctx); err != nil {
			t.Fatalf("Teardown #%d: %v", i+1, err)
		}
		if f.s.State() != models.SessionDisconnected {
			t.Fatalf("state after teardown #%d = %s", i+1, f.s.State())
		}
	}
}

func TestTeardownReportsDisconnectFailure(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")
	f.dev.disconnectErr = errors.New("socket stuck")

	err := f.s.Teardown(context.Background())
	if err == nil {
		t.Fatal("expected disconnect failure to be reported")
	}
	if f.s.State() != models.SessionDisconnected {
		t.Fatalf("state = %s, want disconnected even on failure", f.s.State())
	}
	f.dev.disconnectErr = nil
}

func TestTeardownConcurrent(t *testing.T) {
	f := newFixture(t)
	f.active(t, "t1")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.s.Teardown(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Teardown: %v", err)
		}
	}
	if f.s.State() != models.SessionDisconnected {
		t.Fatalf("state = %s, want disconnected", f.s.State())
	}
}

func TestConnectLosesRaceWithTeardown(t *testing.T) {
	f := newFixture(t)
	f.dev.connectGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.s.Connect(context.Background()) }()

	for f.s.State() != models.SessionConnecting {
		time.Sleep(time.Millisecond)
	}
	if err := f.s.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(f.dev.connectGate)

	if err := <-done; !errors.Is(err, ErrTornDown) {
		t.Fatalf("Connect = %v, want ErrTornDown", err)
	}
	if f.s.State() != models.SessionDisconnected {
		t.Fatalf("state = %s, want disconnected", f.s.State())
	}
}

func TestRegistryKeepsOneActive(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a := newFixture(t)
	b := newFixture(t)
	reg.Track(a.s)
	reg.Track(b.s)

	a.active(t, "t1")
	if reg.Active() != a.s {
		t.Fatal("first session should be active")
	}

	b.active(t, "t2")
	if reg.Active() != b.s {
		t.Fatal("second session should replace the first")
	}
	if a.s.State() != models.SessionDisconnected {
		t.Fatalf("replaced session state = %s, want disconnected", a.s.State())
	}

	if err := reg.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != nil || b.s.State() != models.SessionDisconnected {
		t.Fatal("Close should tear down the active session")
	}
}

func drain(sub events.Subscriber) []events.Payload {
	var out []events.Payload
	for {
		select {
		case p := <-sub:
			out = append(out, p)
		default:
			return out
		}
	}
}

// flakyEndpoint registers every client but hangs up on the first one.
type flakyEndpoint struct {
	mu    sync.Mutex
	conns int
}

func (e *flakyEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	var hello device.Message
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return
	}
	_ = wsjson.Write(ctx, conn, device.Message{Type: device.MsgReady, DeviceID: "dev-1"})

	e.mu.Lock()
	e.conns++
	first := e.conns == 1
	e.mu.Unlock()
	if first {
		return
	}
	for {
		var msg device.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, device.Message{Type: device.MsgAck, ID: msg.ID})
	}
}

func TestConnectionLossMovesToError(t *testing.T) {
	srv := httptest.NewServer(&flakyEndpoint{})
	defer srv.Close()

	dev := device.NewWSDevice(&device.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, zerolog.Nop())
	clk := clock.NewManual(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	s := New(dev, clk, events.NewBus(), DefaultConfig(), zerolog.Nop())
	defer func() { _ = s.Teardown(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The hang-up may land before Connect returns; either way the session
	// must end up in the error state.
	if err := s.Connect(ctx); err != nil && s.State() != models.SessionError {
		t.Fatalf("Connect: %v", err)
	}

	for s.State() != models.SessionError {
		select {
		case <-ctx.Done():
			t.Fatalf("state = %s after connection loss, want error", s.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := s.LoadTrack(ctx, "t1", 0); err != nil {
		t.Fatalf("LoadTrack after reconnect: %v", err)
	}
	if s.State() != models.SessionActive {
		t.Fatalf("state = %s, want active", s.State())
	}
}
