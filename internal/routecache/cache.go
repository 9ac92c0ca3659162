// Package routecache implements an optional Postgres-backed cache of
// resolved route file listings, gated on DATABASE_URL. It follows
// database/schema.go's CREATE TABLE IF NOT EXISTS plus typed-accessor
// style, adapted from database/sql to jackc/pgx/v5's pool-based API.
package routecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"drivelog/internal/routeinfo"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS resolved_routes (
	route_id TEXT PRIMARY KEY,
	segments JSONB NOT NULL,
	cached_at TIMESTAMP NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resolved_routes_expires_at ON resolved_routes(expires_at);
`

// Cache stores resolved routeinfo.Route values in Postgres with a TTL.
// It is a store only: routeinfo.Resolve does not consult it, so a cached
// route does not by itself skip the remote route-info round trip.
type Cache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// Open connects to databaseURL and ensures the schema exists. ttl of
// zero defaults to 24 hours.
func Open(ctx context.Context, databaseURL string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect route cache: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create route cache schema: %w", err)
	}
	return &Cache{pool: pool, ttl: ttl}, nil
}

// Close releases the connection pool.
func (c *Cache) Close() { c.pool.Close() }

// segmentsJSON is the on-disk JSON shape of a Route's Segments map,
// since routeinfo.SegmentFiles has no tags of its own to rely on for a
// stable schema.
type segmentsJSON map[string]routeinfo.SegmentFiles

// Get returns the cached Route for routeID if present and unexpired.
func (c *Cache) Get(ctx context.Context, routeID string) (*routeinfo.Route, bool, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx,
		`SELECT segments FROM resolved_routes WHERE route_id = $1 AND expires_at > NOW()`,
		routeID,
	).Scan(&raw)
	if err != nil {
		return nil, false, nil // not found or expired: not an error, just a miss
	}

	var stored segmentsJSON
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decode cached route %s: %w", routeID, err)
	}

	route := &routeinfo.Route{ID: routeID, Segments: make(map[int]routeinfo.SegmentFiles, len(stored))}
	for key, files := range stored {
		segNum, err := parseSegNum(key)
		if err != nil {
			continue
		}
		route.Segments[segNum] = files
	}
	return route, true, nil
}

// Put upserts route's resolved segments with a fresh TTL.
func (c *Cache) Put(ctx context.Context, route *routeinfo.Route) error {
	stored := make(segmentsJSON, len(route.Segments))
	for segNum, files := range route.Segments {
		stored[formatSegNum(segNum)] = files
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode route %s: %w", route.ID, err)
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO resolved_routes (route_id, segments, cached_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3)
		ON CONFLICT (route_id) DO UPDATE SET
			segments = EXCLUDED.segments,
			cached_at = NOW(),
			expires_at = EXCLUDED.expires_at
	`, route.ID, raw, c.ttl)
	if err != nil {
		return fmt.Errorf("store route %s: %w", route.ID, err)
	}
	return nil
}

func formatSegNum(n int) string { return fmt.Sprintf("%d", n) }

func parseSegNum(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
