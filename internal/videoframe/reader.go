// Package videoframe implements random-access
// RGB decode of an encoded camera video file by frame id, using a go-gst
// pipeline (filesrc ! qtdemux ! h264parse ! avdec_h264 ! videoconvert !
// appsink) the way cmd/server/main.go initializes the gst runtime for its
// own decode path, generalized here to seek-and-pull a single frame at a
// time rather than streaming continuously.
package videoframe

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"drivelog/internal/logreader"
	"drivelog/internal/replayerr"
)

// lruSize bounds how many decoded RGB frames Reader keeps around so
// scrubbing back and forth over a short span doesn't reseek every time.
const lruSize = 8

// Reader decodes frames on demand from one encoded video file. It is not
// safe for concurrent use; FrameDispatcher serializes access per camera.
type Reader struct {
	path   string
	index  logreader.EncodeIndex
	width  int
	height int

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink

	cacheMu sync.Mutex
	cache   map[uint32]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	frameID uint32
	rgb     []byte
}

// Config carries the decoded frame geometry, which the camera-state
// stream establishes before any frame is requested.
type Config struct {
	Width  int
	Height int
}

// New opens path and prepares a paused decode pipeline. It does not
// decode anything until Get is called.
func New(path string, index logreader.EncodeIndex, cfg Config) (*Reader, error) {
	caps := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", cfg.Width, cfg.Height)
	launch := fmt.Sprintf(
		"filesrc location=%q ! qtdemux ! h264parse ! avdec_h264 ! videoconvert ! "+
			"capsfilter caps=%q ! appsink name=sink sync=false",
		path, caps,
	)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("%w: build pipeline for %s: %v", replayerr.ErrVideoDecode, path, err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("%w: locate appsink: %v", replayerr.ErrVideoDecode, err)
	}
	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePaused); err != nil {
		return nil, fmt.Errorf("%w: pause pipeline: %v", replayerr.ErrVideoDecode, err)
	}

	return &Reader{
		path:     path,
		index:    index,
		width:    cfg.Width,
		height:   cfg.Height,
		pipeline: pipeline,
		sink:     sink,
		cache:    make(map[uint32]*list.Element),
		order:    list.New(),
	}, nil
}

// Get returns the decoded RGB buffer for frameID. The returned slice is
// only valid until the next call to Get on this Reader — callers that
// need it to outlive that must copy it (mirrors the frame buffer
// contract camera-state consumers operate under: one buffer in flight
// at a time).
func (r *Reader) Get(ctx context.Context, frameID uint32) ([]byte, error) {
	if entry, ok := r.cacheGet(frameID); ok {
		return entry, nil
	}

	ref, ok := r.index[frameID]
	if !ok {
		return nil, fmt.Errorf("%w: frame %d not in encode index for %s", replayerr.ErrVideoDecode, frameID, r.path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seekTime := time.Duration(ref.TimestampSOF) * time.Nanosecond
	if !r.pipeline.SeekSimple(gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit, int64(seekTime)) {
		return nil, fmt.Errorf("%w: seek to frame %d failed", replayerr.ErrVideoDecode, frameID)
	}

	sample, err := r.pullSample(ctx)
	if err != nil {
		return nil, err
	}

	r.cachePut(frameID, sample)
	return sample, nil
}

func (r *Reader) pullSample(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sample := r.sink.PullSample()
		if sample == nil {
			done <- result{err: fmt.Errorf("%w: pipeline returned no sample", replayerr.ErrVideoDecode)}
			return
		}
		buf := sample.GetBuffer()
		if buf == nil {
			done <- result{err: fmt.Errorf("%w: sample had no buffer", replayerr.ErrVideoDecode)}
			return
		}
		mapped := buf.Map(gst.MapRead)
		defer buf.Unmap()
		data := make([]byte, len(mapped.Bytes()))
		copy(data, mapped.Bytes())
		done <- result{data: data}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", replayerr.ErrCancelled, ctx.Err())
	}
}

func (r *Reader) cacheGet(frameID uint32) ([]byte, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	el, ok := r.cache[frameID]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*cacheEntry).rgb, true
}

func (r *Reader) cachePut(frameID uint32, data []byte) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	el := r.order.PushFront(&cacheEntry{frameID: frameID, rgb: data})
	r.cache[frameID] = el

	for r.order.Len() > lruSize {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		r.order.Remove(oldest)
		delete(r.cache, oldest.Value.(*cacheEntry).frameID)
	}
}

// Close tears down the decode pipeline.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("%w: stop pipeline: %v", replayerr.ErrVideoDecode, err)
	}
	return nil
}
