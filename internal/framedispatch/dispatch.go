// Package framedispatch implements frame dispatch:
// routing camera-state events to the right segment's decoded frame and
// pushing the result to a VideoSink, one bounded worker per camera so a
// slow sink never backs up the replay loop.
//
// Per-camera bounded channel with a non-blocking send that drops and
// logs on a full queue is CVWorkerRegistry.BroadcastFrameEvent's
// backpressure policy, applied here per camera instead of per
// connected worker.
package framedispatch

import (
	"context"
	"log"
	"sync"

	"drivelog/internal/logreader"
	"drivelog/internal/segment"
	"drivelog/internal/videoframe"
	"drivelog/internal/wire"
)

// queueSize bounds how many pending frame requests a camera's worker
// will hold before dropping the oldest in favor of the newest.
const queueSize = 4

// CameraName identifies a video stream sink destination.
type CameraName string

const (
	CameraRoadName   CameraName = "road"
	CameraDriverName CameraName = "driver"
	CameraWideName   CameraName = "wide"
)

// Sink receives decoded RGB frames for one camera stream.
type Sink interface {
	PushFrame(camera CameraName, rgb []byte, width, height int) error
}

// SegmentSource resolves a segment number to its loaded Segment, for
// looking up the EncodeIndex entry a camera-state event references, and
// to the decoder Reader for its camera file.
type SegmentSource interface {
	Get(segNum int) (*segment.Segment, bool)
}

// SegmentSourceFunc adapts a plain function to SegmentSource, the way
// http.HandlerFunc adapts a function to http.Handler. Useful when the
// real source (a *segwindow.Window) isn't constructed yet at the point
// the Dispatcher needs one.
type SegmentSourceFunc func(segNum int) (*segment.Segment, bool)

// Get implements SegmentSource.
func (f SegmentSourceFunc) Get(segNum int) (*segment.Segment, bool) { return f(segNum) }

// request is one pending frame decode, queued per camera.
type request struct {
	segNum  int
	frameID uint32
}

// Dispatcher owns one worker goroutine per camera, each pulling
// requests off its own bounded queue, resolving the frame through a
// cached videoframe.Reader, and pushing the result to Sink.
type Dispatcher struct {
	segs   SegmentSource
	sink   Sink
	width  int
	height int

	mu      sync.Mutex
	readers map[string]*videoframe.Reader // keyed by "camera:localPath"

	queues map[CameraName]chan request
	cancel context.CancelFunc
}

// New builds a Dispatcher. Dimensions must match what FrameReader was
// configured to decode (established once from the route's camera-state
// metadata).
func New(segs SegmentSource, sink Sink, width, height int) *Dispatcher {
	return &Dispatcher{
		segs:    segs,
		sink:    sink,
		width:   width,
		height:  height,
		readers: make(map[string]*videoframe.Reader),
		queues:  make(map[CameraName]chan request),
	}
}

// Start launches the per-camera workers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, cam := range []CameraName{CameraRoadName, CameraDriverName, CameraWideName} {
		q := make(chan request, queueSize)
		d.queues[cam] = q
		go d.worker(ctx, cam, q)
	}
}

// Stop halts all workers.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Dispatch enqueues a frame request for ev's camera, derived from ev's
// EncodeIdx (hintSegNum is the segment the camera-state event itself
// belongs to; the frame may physically live in an adjacent segment).
// Drops the request if that camera's queue is full, favoring freshness
// over completeness the way dropped frames favor real-time pacing.
func (d *Dispatcher) Dispatch(hintSegNum int, ev *logreader.Event) {
	cam, ok := cameraFor(ev.Which)
	if !ok || ev.EncodeIdx == nil {
		return
	}
	q, ok := d.queues[cam]
	if !ok {
		return
	}
	req := request{segNum: hintSegNum, frameID: ev.EncodeIdx.FrameID}
	select {
	case q <- req:
	default:
		// full: drop the oldest queued request to make room for this one
		select {
		case old := <-q:
			log.Printf("[framedispatch] queue full for camera %s, dropping frame %d", cam, old.frameID)
		default:
		}
		select {
		case q <- req:
		default:
		}
	}
}

func cameraFor(which wire.Which) (CameraName, bool) {
	switch which {
	case wire.WhichRoadCameraState:
		return CameraRoadName, true
	case wire.WhichDriverCameraState:
		return CameraDriverName, true
	case wire.WhichWideRoadCameraState:
		return CameraWideName, true
	default:
		return "", false
	}
}

func (d *Dispatcher) worker(ctx context.Context, cam CameraName, q chan request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q:
			d.handle(ctx, cam, req)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, cam CameraName, req request) {
	seg, ok := d.segs.Get(req.segNum)
	if !ok || seg.State() != segment.StateReady {
		return
	}

	localPath, ok := cameraPath(seg, cam)
	if !ok || localPath == "" {
		return
	}

	reader, err := d.readerFor(cam, localPath, seg.EncodeIndex)
	if err != nil {
		log.Printf("[framedispatch] open reader for %s: %v", localPath, err)
		return
	}

	rgb, err := reader.Get(ctx, req.frameID)
	if err != nil {
		log.Printf("[framedispatch] decode frame %d on %s: %v", req.frameID, cam, err)
		return
	}

	if err := d.sink.PushFrame(cam, rgb, d.width, d.height); err != nil {
		log.Printf("[framedispatch] push frame %d on %s: %v", req.frameID, cam, err)
	}
}

func cameraPath(seg *segment.Segment, cam CameraName) (string, bool) {
	switch cam {
	case CameraRoadName:
		return seg.CameraPaths.Road, seg.CameraPaths.Road != ""
	case CameraDriverName:
		return seg.CameraPaths.Driver, seg.CameraPaths.Driver != ""
	case CameraWideName:
		return seg.CameraPaths.Wide, seg.CameraPaths.Wide != ""
	default:
		return "", false
	}
}

func (d *Dispatcher) readerFor(cam CameraName, localPath string, idx logreader.EncodeIndex) (*videoframe.Reader, error) {
	key := string(cam) + ":" + localPath

	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.readers[key]; ok {
		return r, nil
	}

	r, err := videoframe.New(localPath, idx, videoframe.Config{Width: d.width, Height: d.height})
	if err != nil {
		return nil, err
	}
	d.readers[key] = r
	return r, nil
}

// Close tears down every cached reader.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, r := range d.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
