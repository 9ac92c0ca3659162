// Package segwindow implements the sliding
// cache of loaded segments around the play head, trimmed to a
// [cur-BACKWARD, cur+FORWARD] range by a background control loop.
//
// Map-keyed-by-id plus mutex plus a background loop that reconciles
// desired vs. actual state is RealtimeStreamManager's shape; this
// generalizes it from service-announce/remove events to a numeric
// window that recomputes on a timer instead of on external events.
package segwindow

import (
	"context"
	"log"
	"sync"
	"time"

	"drivelog/internal/filesource"
	"drivelog/internal/routeinfo"
	"drivelog/internal/segment"
)

// Config bounds the window and the loaders behind it.
type Config struct {
	Backward int // segments to keep behind the current one
	Forward  int // segments to keep ahead of the current one
	Cameras  segment.CameraKind
	CacheDir string
	// PollInterval governs how often the control loop reconciles the
	// window. Spec default is 100ms.
	PollInterval time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 100 * time.Millisecond
}

// Window owns the set of loaded/loading segments for a route and keeps
// it trimmed to the configured range around the current segment.
type Window struct {
	cfg    Config
	route  *routeinfo.Route
	src    *filesource.Source

	mu       sync.Mutex
	segments map[int]*segment.Segment
	failed   map[int]bool // segments whose load failed; not retried every tick
	current  int

	onSegmentReady func(*segment.Segment)
	onChangeFn     func()

	cancel context.CancelFunc
	done   chan struct{}
}

// OnChange registers a callback fired whenever the tracked segment set
// shrinks via eviction (load-success already notifies via
// onSegmentReady). Controller uses this to trigger a merger rebuild
// that drops the evicted segment's events from the view.
func (w *Window) OnChange(fn func()) { w.onChangeFn = fn }

// New builds a Window over route, not yet running its control loop.
func New(route *routeinfo.Route, src *filesource.Source, cfg Config, onSegmentReady func(*segment.Segment)) *Window {
	return &Window{
		cfg:            cfg,
		route:          route,
		src:            src,
		segments:       make(map[int]*segment.Segment),
		failed:         make(map[int]bool),
		onSegmentReady: onSegmentReady,
	}
}

// Start begins the control loop, reconciling immediately and then on
// every PollInterval tick until ctx is cancelled or Stop is called.
func (w *Window) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.pollInterval())
		defer ticker.Stop()

		w.reconcile(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.reconcile(ctx)
			}
		}
	}()
}

// Stop halts the control loop and waits for it to exit.
func (w *Window) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// SetCurrent moves the play-head segment, expanding the window around
// it on the next reconcile tick.
func (w *Window) SetCurrent(segNum int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = segNum
}

// Get returns the segment for segNum, if it's tracked (loading, ready,
// or failed).
func (w *Window) Get(segNum int) (*segment.Segment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg, ok := w.segments[segNum]
	return seg, ok
}

// reconcile brings the tracked segment set in line with
// [current-Backward, current+Forward]: starts loads for segments that
// should be in range but aren't tracked yet, and evicts out-of-range
// segments, farthest from current first, never evicting a segment still
// Loading.
func (w *Window) reconcile(ctx context.Context) {
	w.mu.Lock()
	lo := w.current - w.cfg.Backward
	hi := w.current + w.cfg.Forward
	current := w.current

	var toStart []int
	for _, segNum := range w.route.SortedSegmentNums() {
		if segNum < lo || segNum > hi {
			continue
		}
		if _, tracked := w.segments[segNum]; tracked {
			continue
		}
		if w.failed[segNum] {
			continue
		}
		toStart = append(toStart, segNum)
	}

	type evictCandidate struct {
		segNum int
		dist   int
	}
	var evictable []evictCandidate
	for segNum, seg := range w.segments {
		if segNum >= lo && segNum <= hi {
			continue
		}
		if seg.State() == segment.StateLoading {
			continue
		}
		dist := segNum - current
		if dist < 0 {
			dist = -dist
		}
		evictable = append(evictable, evictCandidate{segNum, dist})
	}
	for _, c := range evictable {
		delete(w.segments, c.segNum)
		delete(w.failed, c.segNum)
	}
	w.mu.Unlock()

	for _, segNum := range toStart {
		w.startLoad(ctx, segNum)
	}

	if len(evictable) > 0 && w.onSegmentReady != nil {
		w.onChange()
	}
}

// Snapshot returns a copy of the currently tracked segment map, safe for
// the caller to range over without holding Window's lock.
func (w *Window) Snapshot() map[int]*segment.Segment {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int]*segment.Segment, len(w.segments))
	for k, v := range w.segments {
		out[k] = v
	}
	return out
}

// onChange notifies onChangeFn, if set, that the tracked segment set
// changed (eviction path — load-success notifications go through
// onSegmentReady directly since they carry the finished Segment).
func (w *Window) onChange() {
	if w.onChangeFn != nil {
		w.onChangeFn()
	}
}

func (w *Window) startLoad(ctx context.Context, segNum int) {
	files := w.route.Segments[segNum]
	seg := segment.New(segNum, files, w.cfg.Cameras, func(s *segment.Segment, success bool) {
		if !success {
			w.mu.Lock()
			w.failed[segNum] = true
			w.mu.Unlock()
			log.Printf("[segwindow] segment %d failed to load: %v", segNum, s.Err())
			return
		}
		if w.onSegmentReady != nil {
			w.onSegmentReady(s)
		}
	})

	w.mu.Lock()
	w.segments[segNum] = seg
	w.mu.Unlock()

	go seg.Load(ctx, w.src, w.cfg.CacheDir)
}
