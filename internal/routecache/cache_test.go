package routecache

import (
	"context"
	"os"
	"testing"
	"time"

	"drivelog/internal/routeinfo"
)

// These tests only run against a real Postgres instance, opted into via
// TEST_DATABASE_URL, since routecache has no in-memory fallback (it's
// an optional persistence layer, not something to fake out).
func testCache(t *testing.T) *Cache {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	c, err := Open(context.Background(), url, time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := testCache(t)
	route := &routeinfo.Route{
		ID: "cache-test-route",
		Segments: map[int]routeinfo.SegmentFiles{
			0: {LogPath: "https://x/0/rlog.bz2", RoadCamPath: "https://x/0/fcamera.hevc"},
		},
	}
	if err := c.Put(context.Background(), route); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.Get(context.Background(), route.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Segments[0].LogPath != route.Segments[0].LogPath {
		t.Errorf("got %+v, want %+v", got.Segments[0], route.Segments[0])
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := testCache(t)
	_, ok, err := c.Get(context.Background(), "route-that-does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected a cache miss")
	}
}

func TestPutExpiresAfterTTL(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	c, err := Open(context.Background(), url, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	route := &routeinfo.Route{ID: "cache-ttl-route", Segments: map[int]routeinfo.SegmentFiles{0: {LogPath: "p"}}}
	if err := c.Put(context.Background(), route); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	_, ok, err := c.Get(context.Background(), route.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected the cached entry to have expired")
	}
}
