package routeinfo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"drivelog/internal/replayerr"
)

func TestResolveLocalFindsSegmentsAndAppliesQFallback(t *testing.T) {
	root := t.TempDir()
	routeID := "00000000--aaaaaaaa"

	seg0 := filepath.Join(root, routeID+"--0")
	seg1 := filepath.Join(root, routeID+"--1")
	if err := os.MkdirAll(seg0, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(seg1, 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(seg0, "rlog.bz2"), "rlog0")
	write(t, filepath.Join(seg0, "fcamera.hevc"), "cam0")
	// segment 1 only has the q-variants
	write(t, filepath.Join(seg1, "qlog.bz2"), "qlog1")
	write(t, filepath.Join(seg1, "qcamera.ts"), "qcam1")

	route, err := Resolve(context.Background(), routeID, Options{LocalRoot: root})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(route.Segments) != 2 {
		t.Fatalf("want 2 segments, got %d", len(route.Segments))
	}
	if route.Segments[0].LogIsQLog {
		t.Error("segment 0 should have the full rlog, not a fallback")
	}
	if !route.Segments[1].LogIsQLog {
		t.Error("segment 1 should fall back to qlog")
	}
	if got := route.SortedSegmentNums(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("SortedSegmentNums = %v", got)
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveLocalMissReturnsNotFoundWhenNoRemote(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(context.Background(), "missing-route", Options{LocalRoot: root})
	if !errors.Is(err, replayerr.ErrRouteNotFound) {
		t.Fatalf("want ErrRouteNotFound, got %v", err)
	}
}

func TestResolveRemoteFallsBackWhenLocalEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing/incorrect bearer token: %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(remoteResponse{
			Logs:    []string{"https://x/0/rlog.bz2"},
			Cameras: []string{"https://x/0/fcamera.hevc"},
		})
	}))
	defer srv.Close()

	route, err := Resolve(context.Background(), "r1", Options{
		LocalRoot:     t.TempDir(),
		RemoteBaseURL: srv.URL,
		BearerToken:   "test-token",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Segments[0].LogPath != "https://x/0/rlog.bz2" {
		t.Errorf("unexpected log path: %+v", route.Segments[0])
	}
}

func TestResolveRemoteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Resolve(context.Background(), "ghost", Options{RemoteBaseURL: srv.URL})
	if !errors.Is(err, replayerr.ErrRouteNotFound) {
		t.Fatalf("want ErrRouteNotFound, got %v", err)
	}
}
