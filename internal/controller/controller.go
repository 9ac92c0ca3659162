// Package controller implements the replay controller: the
// state machine and single stream loop that ties together route
// resolution, the segment window, the merged event view, pacing, frame
// dispatch, and message publication.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"drivelog/internal/eventmerge"
	"drivelog/internal/filesource"
	"drivelog/internal/framedispatch"
	"drivelog/internal/logreader"
	"drivelog/internal/pacing"
	"drivelog/internal/replayerr"
	"drivelog/internal/routeinfo"
	"drivelog/internal/segment"
	"drivelog/internal/segwindow"
	"drivelog/internal/wire"
)

// EngagementFlag selects which controls-state transition seekToFlag
// scans for.
type EngagementFlag int

const (
	EngagementOn EngagementFlag = iota
	EngagementOff
)

// MessageSink receives non-video log events as the stream loop advances
// past them.
type MessageSink interface {
	Publish(which wire.Which, monoTime uint64, bytes []byte) error
}

// Config wires a Controller's dependencies and static options.
type Config struct {
	RouteID     string
	RouteOpts   routeinfo.Options
	CacheDir    string
	Window      segwindow.Config
	Loop        bool // wrap to the start instead of stopping at end of route
	InitialSpeed float64
	Dispatcher  *framedispatch.Dispatcher // nil disables video frame dispatch
	Sink        MessageSink
	// AllowTags is the subscribed-tags set (ALLOW); empty means every
	// tag publishes. BlockTags (BLOCK) is the subtract set, applied
	// after AllowTags. Both name wire.Which values.
	AllowTags []string
	BlockTags []string
}

// subscribed reports whether which should be published to cfg.Sink,
// implementing ALLOW's subscribed-tags set and BLOCK's subtract set.
func (cfg Config) subscribed(which wire.Which) bool {
	tag := string(which)
	for _, b := range cfg.BlockTags {
		if b == tag {
			return false
		}
	}
	if len(cfg.AllowTags) == 0 {
		return true
	}
	for _, a := range cfg.AllowTags {
		if a == tag {
			return true
		}
	}
	return false
}

// Controller is the top-level replay state machine. One stream loop
// goroutine runs per Controller; public methods are thread-safe and
// non-blocking except Load, which blocks until the first merge or a
// definitive failure, and Stop, which waits for the stream loop to exit.
type Controller struct {
	cfg Config

	mu sync.Mutex
	st state

	src    *filesource.Source
	route  *routeinfo.Route
	window *segwindow.Window
	merger *eventmerge.Merger
	clock  *pacing.Clock

	seekSeconds float64
	curMonoVal  atomic.Uint64
	updating    atomic.Bool
	viewDirty   atomic.Bool

	segMu     sync.Mutex
	segStarts map[int]uint64 // segment number -> first event's MonoTime, populated as segments load, never evicted

	exit   chan struct{}
	stopWG sync.WaitGroup

	onSegmentChanged func(segNum int)
	onStreamStarted  func()
	onUpdateProgress func(curSeconds, totalSeconds float64)
	onUpdateSummary  func()
	onStop           func()
}

// New builds a Controller in the Idle state.
func New(cfg Config) *Controller {
	if cfg.InitialSpeed <= 0 {
		cfg.InitialSpeed = 1.0
	}
	return &Controller{
		cfg:  cfg,
		st:   newIdleState(),
		exit: make(chan struct{}),
	}
}

func (c *Controller) setState(s state) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
}

func (c *Controller) currentState() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// StateName reports the current state's name (IDLE/LOADING/STREAMING/
// PAUSED/STOPPED), for observability.
func (c *Controller) StateName() string { return c.currentState().Name() }

func (c *Controller) currentMono() uint64 { return c.curMonoVal.Load() }

// Window returns the segment window backing this controller, once
// Load has run. Callers use this to hand a framedispatch.Dispatcher a
// SegmentSource without constructing one themselves, since the window
// doesn't exist until doLoad builds it.
func (c *Controller) Window() *segwindow.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Route returns the resolved route, once Load has run.
func (c *Controller) Route() *routeinfo.Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

// Signal registration for observability hooks.
func (c *Controller) OnSegmentChanged(fn func(segNum int))                     { c.onSegmentChanged = fn }
func (c *Controller) OnStreamStarted(fn func())                                { c.onStreamStarted = fn }
func (c *Controller) OnUpdateProgress(fn func(curSeconds, totalSeconds float64)) { c.onUpdateProgress = fn }
func (c *Controller) OnUpdateSummary(fn func())                                { c.onUpdateSummary = fn }
func (c *Controller) OnStop(fn func())                                         { c.onStop = fn }

// Load resolves the route and spawns the window/merger, blocking until
// the first successful merge (returns true) or a definitive failure
// (returns false).
func (c *Controller) Load(ctx context.Context) bool {
	err := c.currentState().Load(c)
	if err != nil {
		return false
	}
	return c.waitFirstMerge(ctx)
}

func (c *Controller) doLoad() error {
	ctx := context.Background()

	route, err := routeinfo.Resolve(ctx, c.cfg.RouteID, c.cfg.RouteOpts)
	if err != nil {
		c.setState(newStoppedState())
		return err
	}
	c.route = route

	src, err := filesource.New(filesource.Options{CacheDir: c.cfg.CacheDir})
	if err != nil {
		c.setState(newStoppedState())
		return err
	}
	c.src = src
	c.merger = eventmerge.New()
	c.clock = pacing.New(0)
	c.clock.SetSpeed(c.cfg.InitialSpeed, 0)

	c.window = segwindow.New(route, src, c.cfg.Window, func(seg *segment.Segment) {
		c.recordSegmentStart(seg)
		c.merger.Rebuild(c.window.Snapshot())
		c.viewDirty.Store(true)
		if c.onSegmentChanged != nil {
			c.onSegmentChanged(seg.ID)
		}
		// The merged view just grew by one segment's worth of events, so
		// anything derived from scanning it (engagement ranges, alert
		// counts) is stale.
		if c.onUpdateSummary != nil {
			c.onUpdateSummary()
		}
	})
	c.window.OnChange(func() {
		c.merger.Rebuild(c.window.Snapshot())
		c.viewDirty.Store(true)
	})

	c.window.SetCurrent(route.SortedSegmentNums()[0])
	c.window.Start(ctx)

	return nil
}

func (c *Controller) waitFirstMerge(ctx context.Context) bool {
	notify := c.merger.Subscribe()
	if len(c.merger.Current().Events) > 0 {
		return c.onFirstMerge()
	}
	for {
		select {
		case <-notify:
			if len(c.merger.Current().Events) > 0 {
				return c.onFirstMerge()
			}
		case <-ctx.Done():
			return false
		case <-c.exit:
			return false
		}
	}
}

func (c *Controller) onFirstMerge() bool {
	view := c.merger.Current()
	c.curMonoVal.Store(view.RouteStartTS)
	c.clock.Rebase(view.RouteStartTS)
	c.setState(newStreamingState())

	c.stopWG.Add(1)
	go c.streamLoop()

	if c.onStreamStarted != nil {
		c.onStreamStarted()
	}
	return true
}

// Start begins playback at seconds into the route (0 = from the
// start). Equivalent to an immediate seekTo(seconds, relative=false)
// once streaming.
func (c *Controller) Start(seconds float64) error {
	return c.currentState().Start(c, seconds)
}

// Pause freezes (true) or resumes (false) playback.
func (c *Controller) Pause(paused bool) error {
	return c.currentState().Pause(c, paused)
}

// SeekTo moves the play position, absolute or relative to the current
// position, in seconds.
func (c *Controller) SeekTo(seconds float64, relative bool) error {
	return c.currentState().SeekTo(c, seconds, relative)
}

// SetSpeed changes playback speed (1.0 = real time).
func (c *Controller) SetSpeed(speed float64) error {
	return c.currentState().SetSpeed(c, speed)
}

// SeekToFlag jumps to the next engagement transition matching flag.
func (c *Controller) SeekToFlag(flag EngagementFlag) error {
	return c.currentState().SeekToFlag(c, flag)
}

// Stop tears down the Controller permanently.
func (c *Controller) Stop() error {
	return c.currentState().Stop(c)
}

func (c *Controller) applySeek(seconds float64, relative bool) {
	c.mu.Lock()
	if relative {
		c.seekSeconds += seconds
	} else {
		c.seekSeconds = seconds
	}
	c.mu.Unlock()
	c.updating.Store(true)
}

func (c *Controller) applySeekToFlag(flag EngagementFlag) error {
	view := c.merger.Current()
	curMono := c.currentMono()

	wantEnabled := flag == EngagementOn
	var prevEnabled *bool
	for _, ev := range view.Events {
		if ev.Which != wire.WhichControlsState || ev.MonoTime <= curMono {
			continue
		}
		rec, err := wire.DecodeRecord(ev.Bytes)
		if err != nil || rec.Controls == nil {
			continue
		}
		enabled := rec.Controls.Enabled
		if prevEnabled != nil && *prevEnabled != enabled && enabled == wantEnabled {
			seekSeconds := float64(int64(ev.MonoTime)-int64(view.RouteStartTS)) / 1e9
			c.applySeek(seekSeconds, false)
			return nil
		}
		prevEnabled = &enabled
	}
	return fmt.Errorf("%w: no matching engagement transition found", replayerr.ErrCancelled)
}

func (c *Controller) doStop() {
	close(c.exit)
	if c.window != nil {
		c.window.Stop()
	}
	if c.cfg.Dispatcher != nil {
		c.cfg.Dispatcher.Stop()
	}
	c.stopWG.Wait()
	if c.onStop != nil {
		c.onStop()
	}
}

// streamLoop is the single consumer of the merged view, per the
// §4.10's pseudocode: resolve an iterator into the current view at the
// seek position, pace each event via ReplayClock, dispatch camera
// frames and publish message events, and re-resolve whenever the view
// is swapped out from under it.
func (c *Controller) streamLoop() {
	defer c.stopWG.Done()

	pos := 0
	view := c.merger.Current()

	for {
		select {
		case <-c.exit:
			return
		default:
		}

		if c.updating.CompareAndSwap(true, false) {
			view = c.merger.Current()
			pos = resolvePosition(view, view.RouteStartTS+uint64(c.seekSecondsLocked()*1e9))
			c.clock.Rebase(eventMonoAt(view, pos))
			c.viewDirty.Store(false) // this seek already re-resolved against the latest view
			c.window.SetCurrent(c.segmentForMono(eventMonoAt(view, pos)))
		} else if c.viewDirty.CompareAndSwap(true, false) {
			// The tracked segment set changed (a load finished or a
			// segment was evicted): re-resolve into the new view at the
			// position we were already at, rather than restarting from
			// the last seek target.
			newView := c.merger.Current()
			if newView != view {
				pos = resolvePosition(newView, c.currentMono())
				view = newView
			}
		}

		if c.clock.Paused() {
			// parked: poll until unpaused, a seek arrives, or exit
			select {
			case <-c.exit:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if pos >= len(view.Events) {
			if c.handleEndOfView(view) {
				continue
			}
			return
		}

		ev := view.Events[pos]
		c.clock.WaitFor(ev.MonoTime, c.exit)
		select {
		case <-c.exit:
			return
		default:
		}

		c.curMonoVal.Store(ev.MonoTime)
		segNum := c.segmentForMono(ev.MonoTime)
		c.window.SetCurrent(segNum)
		if c.onUpdateProgress != nil {
			c.onUpdateProgress(secondsSince(view.RouteStartTS, ev.MonoTime), secondsSince(view.RouteStartTS, lastMono(view)))
		}

		if _, ok := cameraEventSegment(ev); ok {
			if c.cfg.Dispatcher != nil {
				c.cfg.Dispatcher.Dispatch(segNum, ev)
			}
		}
		if c.cfg.Sink != nil && c.cfg.subscribed(ev.Which) {
			if err := c.cfg.Sink.Publish(ev.Which, ev.MonoTime, ev.Bytes); err != nil {
				// best-effort: a sink error for one event does not stop the loop
				_ = err
			}
		}

		pos++
	}
}

func (c *Controller) seekSecondsLocked() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seekSeconds
}

// recordSegmentStart remembers seg's first event's MonoTime, so
// segmentForMono can later map an arbitrary mono time back to the
// segment it falls in even after that segment is evicted from the
// window.
func (c *Controller) recordSegmentStart(seg *segment.Segment) {
	if len(seg.Events) == 0 {
		return
	}
	c.segMu.Lock()
	if c.segStarts == nil {
		c.segStarts = make(map[int]uint64)
	}
	c.segStarts[seg.ID] = seg.Events[0].MonoTime
	c.segMu.Unlock()
}

// segmentForMono finds the segment whose recorded start time is the
// latest one not after mono — the segment mono falls within, given
// route segments are contiguous and chronological. Falls back to the
// route's first segment number if no segment start has been recorded
// yet (nothing loaded).
func (c *Controller) segmentForMono(mono uint64) int {
	c.segMu.Lock()
	best, bestStart, found := -1, uint64(0), false
	for segNum, start := range c.segStarts {
		if start <= mono && (!found || start > bestStart) {
			best, bestStart, found = segNum, start, true
		}
	}
	c.segMu.Unlock()
	if found {
		return best
	}

	c.mu.Lock()
	route := c.route
	c.mu.Unlock()
	if route != nil {
		if nums := route.SortedSegmentNums(); len(nums) > 0 {
			return nums[0]
		}
	}
	return 0
}

// handleEndOfView advances past the end of the current merged view: if
// looping is enabled it rewinds to the start, otherwise it stops the
// controller. Returns true if the loop should continue iterating.
func (c *Controller) handleEndOfView(view *eventmerge.View) bool {
	if !c.cfg.Loop {
		go c.Stop()
		return false
	}
	c.applySeek(0, false)
	return true
}

func resolvePosition(view *eventmerge.View, targetMono uint64) int {
	lo, hi := 0, len(view.Events)
	for lo < hi {
		mid := (lo + hi) / 2
		if view.Events[mid].MonoTime < targetMono {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func eventMonoAt(view *eventmerge.View, pos int) uint64 {
	if pos >= 0 && pos < len(view.Events) {
		return view.Events[pos].MonoTime
	}
	return view.RouteStartTS
}

func lastMono(view *eventmerge.View) uint64 {
	if len(view.Events) == 0 {
		return view.RouteStartTS
	}
	return view.Events[len(view.Events)-1].MonoTime
}

func secondsSince(routeStart, mono uint64) float64 {
	return float64(int64(mono)-int64(routeStart)) / 1e9
}

func cameraEventSegment(ev *logreader.Event) (wire.Which, bool) {
	switch ev.Which {
	case wire.WhichRoadCameraState, wire.WhichDriverCameraState, wire.WhichWideRoadCameraState:
		return ev.Which, true
	default:
		return "", false
	}
}
