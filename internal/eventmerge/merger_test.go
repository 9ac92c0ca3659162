package eventmerge

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"drivelog/internal/filesource"
	"drivelog/internal/routeinfo"
	"drivelog/internal/segment"
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

// loadedSegment builds a real Segment by running it through Load against
// a synthetic on-disk log, so the merge test exercises actual segment
// state transitions rather than poking at private fields.
func loadedSegment(t *testing.T, dir string, id int, recs []*wire.Record) *segment.Segment {
	t.Helper()
	var raw []byte
	for _, r := range recs {
		var err error
		raw, err = wire.AppendFramed(raw, r)
		if err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "seg.bz2")
	if err := os.WriteFile(path, bz2(t, raw), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := filesource.New(filesource.Options{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	seg := segment.New(id, routeinfo.SegmentFiles{LogPath: path}, 0, func(_ *segment.Segment, success bool) {
		if !success {
			t.Fatalf("segment %d failed to load", id)
		}
		close(done)
	})
	seg.Load(context.Background(), src, dir)
	<-done
	return seg
}

func TestMergeOrdersAcrossSegments(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	segA := loadedSegment(t, dirA, 0, []*wire.Record{
		{Which: wire.WhichInitData, LogMonoTime: 100},
		{Which: wire.WhichCarState, LogMonoTime: 300},
	})
	segB := loadedSegment(t, dirB, 1, []*wire.Record{
		{Which: wire.WhichCarState, LogMonoTime: 200},
		{Which: wire.WhichCarState, LogMonoTime: 400},
	})

	m := New()
	m.Rebuild(map[int]*segment.Segment{0: segA, 1: segB})

	view := m.Current()
	want := []uint64{100, 200, 300, 400}
	if len(view.Events) != len(want) {
		t.Fatalf("want %d events, got %d", len(want), len(view.Events))
	}
	for i, ev := range view.Events {
		if ev.MonoTime != want[i] {
			t.Errorf("event %d: MonoTime = %d, want %d", i, ev.MonoTime, want[i])
		}
	}
	if view.RouteStartTS != 100 {
		t.Errorf("RouteStartTS = %d, want 100 (InitData event)", view.RouteStartTS)
	}
	if view.EarliestSegmentID != 0 || view.LatestSegmentID != 1 {
		t.Errorf("unexpected segment bounds: earliest=%d latest=%d", view.EarliestSegmentID, view.LatestSegmentID)
	}
}

func TestSubscribeNotifiesOnRebuild(t *testing.T) {
	m := New()
	ch := m.Subscribe()

	m.Rebuild(nil)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notify after Rebuild")
	}
}

func TestRouteStartTSPersistsAfterInitDataSegmentIsEvicted(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	segA := loadedSegment(t, dirA, 0, []*wire.Record{
		{Which: wire.WhichInitData, LogMonoTime: 100},
		{Which: wire.WhichCarState, LogMonoTime: 150},
	})
	segB := loadedSegment(t, dirB, 1, []*wire.Record{
		{Which: wire.WhichCarState, LogMonoTime: 400},
		{Which: wire.WhichCarState, LogMonoTime: 500},
	})

	m := New()
	m.Rebuild(map[int]*segment.Segment{0: segA, 1: segB})
	if got := m.Current().RouteStartTS; got != 100 {
		t.Fatalf("RouteStartTS = %d, want 100", got)
	}

	// segment 0 (carrying InitData) evicted from the window; a later
	// segment's own first event would compute a different, later
	// RouteStartTS if recomputed from scratch.
	m.Rebuild(map[int]*segment.Segment{1: segB})
	if got := m.Current().RouteStartTS; got != 100 {
		t.Errorf("RouteStartTS after eviction = %d, want 100 (established value retained)", got)
	}
}

func TestRebuildSkipsNonReadySegments(t *testing.T) {
	loadingSeg := segment.New(0, routeinfo.SegmentFiles{}, 0, nil)
	m := New()
	m.Rebuild(map[int]*segment.Segment{0: loadingSeg})

	if len(m.Current().Events) != 0 {
		t.Fatalf("expected no events from a still-loading segment, got %d", len(m.Current().Events))
	}
}
