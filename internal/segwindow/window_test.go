package segwindow

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
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

func fakeRoute(t *testing.T, dir string, segNums []int) *routeinfo.Route {
	t.Helper()
	route := &routeinfo.Route{ID: "r", Segments: make(map[int]routeinfo.SegmentFiles)}
	for _, n := range segNums {
		var raw []byte
		raw, err := wire.AppendFramed(raw, &wire.Record{Which: wire.WhichInitData, LogMonoTime: uint64(n)})
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, fmtSeg(n))
		if err := os.WriteFile(path, bz2(t, raw), 0o644); err != nil {
			t.Fatal(err)
		}
		route.Segments[n] = routeinfo.SegmentFiles{LogPath: path}
	}
	return route
}

func fmtSeg(n int) string {
	return "seg" + string(rune('0'+n)) + ".bz2"
}

func TestWindowLoadsOnlySegmentsInRange(t *testing.T) {
	dir := t.TempDir()
	route := fakeRoute(t, dir, []int{0, 1, 2, 3, 4})

	src, err := filesource.New(filesource.Options{})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	ready := make(map[int]bool)
	w := New(route, src, Config{Backward: 1, Forward: 1, CacheDir: dir, PollInterval: 10 * time.Millisecond}, func(s *segment.Segment) {
		mu.Lock()
		ready[s.ID] = true
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.SetCurrent(2)
	w.Start(ctx)
	defer w.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(ready)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for segments 1,2,3 to load; got %v", ready)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok := w.Get(0); ok {
		t.Error("segment 0 should not be tracked (out of [1,3] range)")
	}
	if _, ok := w.Get(4); ok {
		t.Error("segment 4 should not be tracked (out of [1,3] range)")
	}
	for _, n := range []int{1, 2, 3} {
		if _, ok := w.Get(n); !ok {
			t.Errorf("segment %d should be tracked", n)
		}
	}
}
