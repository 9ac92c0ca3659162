package controller

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"drivelog/internal/routeinfo"
	"drivelog/internal/segwindow"
	"drivelog/internal/wire"
)

func bz2(t *testing.T, raw []byte) []byte {
	t.Helper()
	path, err := exec.LookPath("bzip2")
	if err != nil {
		t.Skip("bzip2 binary not available")
	}
	cmd := exec.Command(path, "-c")
	cmd.Stdin = bytes.NewReader(raw)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		t.Fatalf("bzip2 -c: %v", err)
	}
	return out.Bytes()
}

// writeLocalRoute lays out a log-root convention directory with two
// segments of a few close-together (millisecond-scale) events, so the
// real-time pacing loop finishes the whole route in well under a
// second of wall-clock time.
func writeLocalRoute(t *testing.T, routeID string) string {
	t.Helper()
	root := t.TempDir()

	writeSeg := func(segNum int, recs []*wire.Record) {
		dir := filepath.Join(root, routeID+"--"+itoa(segNum))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		var raw []byte
		for _, r := range recs {
			var err error
			raw, err = wire.AppendFramed(raw, r)
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "rlog.bz2"), bz2(t, raw), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	writeSeg(0, []*wire.Record{
		{Which: wire.WhichInitData, LogMonoTime: 0},
		{Which: wire.WhichCarState, LogMonoTime: 1_000_000},
	})
	writeSeg(1, []*wire.Record{
		{Which: wire.WhichCarState, LogMonoTime: 2_000_000},
		{Which: wire.WhichCarState, LogMonoTime: 3_000_000},
	})

	return root
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type recordingSink struct {
	mu        sync.Mutex
	published []wire.Which
}

func (s *recordingSink) Publish(which wire.Which, monoTime uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, which)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func TestControllerPlaysThroughRouteAndStopsWithoutLoop(t *testing.T) {
	root := writeLocalRoute(t, "route1")
	sink := &recordingSink{}

	stopped := make(chan struct{})
	c := New(Config{
		RouteID:   "route1",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 10, Forward: 10, PollInterval: 5 * time.Millisecond},
		Loop:      false,
		Sink:      sink,
	})
	c.OnStop(func() { close(stopped) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}
	if c.StateName() != "STREAMING" {
		t.Fatalf("want STREAMING after first merge, got %s", c.StateName())
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for route to finish and auto-stop")
	}

	if sink.count() != 4 {
		t.Fatalf("want 4 published events, got %d", sink.count())
	}
}

func TestControllerPauseAndResume(t *testing.T) {
	root := writeLocalRoute(t, "route2")
	sink := &recordingSink{}

	c := New(Config{
		RouteID:   "route2",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 10, Forward: 10, PollInterval: 5 * time.Millisecond},
		Loop:      true,
		Sink:      sink,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}

	if err := c.Pause(true); err != nil {
		t.Fatalf("Pause(true): %v", err)
	}
	if c.StateName() != "PAUSED" {
		t.Fatalf("want PAUSED, got %s", c.StateName())
	}
	time.Sleep(50 * time.Millisecond)
	countWhilePaused := sink.count()

	if err := c.Pause(false); err != nil {
		t.Fatalf("Pause(false): %v", err)
	}
	if c.StateName() != "STREAMING" {
		t.Fatalf("want STREAMING after resume, got %s", c.StateName())
	}

	time.Sleep(100 * time.Millisecond)
	if sink.count() <= countWhilePaused {
		t.Fatalf("expected progress after resume, got %d (was %d while paused)", sink.count(), countWhilePaused)
	}

	c.Stop()
}

func TestControllerRejectsLoadTwice(t *testing.T) {
	root := writeLocalRoute(t, "route3")
	c := New(Config{
		RouteID:   "route3",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 10, Forward: 10, PollInterval: 5 * time.Millisecond},
		Loop:      true,
		Sink:      &recordingSink{},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}
	defer c.Stop()

	if err := c.currentState().Load(c); err == nil {
		t.Fatal("expected an error loading from a non-Idle state")
	}
}

// TestControllerWindowTracksPlayHeadAcrossSegments exercises a window
// too narrow to hold the whole route at once (Backward:0, Forward:0),
// so segment 1 only ever loads once the stream loop advances the play
// head into it via segmentForMono/SetCurrent.
func TestControllerWindowTracksPlayHeadAcrossSegments(t *testing.T) {
	root := writeLocalRoute(t, "route4")
	sink := &recordingSink{}

	stopped := make(chan struct{})
	c := New(Config{
		RouteID:   "route4",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 0, Forward: 0, PollInterval: 5 * time.Millisecond},
		Loop:      false,
		Sink:      sink,
	})
	c.OnStop(func() { close(stopped) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for route to finish and auto-stop")
	}

	if sink.count() != 4 {
		t.Fatalf("want all 4 events across both segments published despite the narrow window, got %d", sink.count())
	}
}

// TestControllerStartSeeksAfterLoad covers the Start override added to
// streamingState: the public Start method must succeed once streaming,
// matching SeekTo's own behavior.
func TestControllerStartSeeksAfterLoad(t *testing.T) {
	root := writeLocalRoute(t, "route5")
	c := New(Config{
		RouteID:   "route5",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 10, Forward: 10, PollInterval: 5 * time.Millisecond},
		Loop:      true,
		Sink:      &recordingSink{},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}
	defer c.Stop()

	if err := c.Start(0.002); err != nil {
		t.Fatalf("Start after Load: %v", err)
	}
}

// TestControllerAllowTagsFiltersPublishedEvents covers the ALLOW/BLOCK
// tag-subscription filtering streamLoop applies before publishing.
func TestControllerAllowTagsFiltersPublishedEvents(t *testing.T) {
	root := writeLocalRoute(t, "route6")
	sink := &recordingSink{}

	stopped := make(chan struct{})
	c := New(Config{
		RouteID:   "route6",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 10, Forward: 10, PollInterval: 5 * time.Millisecond},
		Loop:      false,
		Sink:      sink,
		AllowTags: []string{string(wire.WhichInitData)},
	})
	c.OnStop(func() { close(stopped) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for route to finish and auto-stop")
	}

	if sink.count() != 1 {
		t.Fatalf("want only the 1 InitData event published under AllowTags, got %d", sink.count())
	}
}

// TestControllerFiresUpdateSummaryOnSegmentLoad covers the
// OnUpdateSummary signal, which must fire as segments finish loading.
func TestControllerFiresUpdateSummaryOnSegmentLoad(t *testing.T) {
	root := writeLocalRoute(t, "route7")
	c := New(Config{
		RouteID:   "route7",
		RouteOpts: routeinfo.Options{LocalRoot: root},
		CacheDir:  t.TempDir(),
		Window:    segwindow.Config{Backward: 10, Forward: 10, PollInterval: 5 * time.Millisecond},
		Loop:      true,
		Sink:      &recordingSink{},
	})

	var mu sync.Mutex
	fired := 0
	c.OnUpdateSummary(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.Load(ctx) {
		t.Fatal("Load returned false")
	}
	defer c.Stop()

	mu.Lock()
	got := fired
	mu.Unlock()
	if got < 1 {
		t.Fatalf("want OnUpdateSummary fired at least once after Load, got %d", got)
	}
}
