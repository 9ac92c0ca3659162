package framedispatch

import (
	"context"
	"testing"

	"drivelog/internal/logreader"
	"drivelog/internal/routeinfo"
	"drivelog/internal/segment"
	"drivelog/internal/wire"
)

type fakeSegSource struct {
	segs map[int]*segment.Segment
}

func (f fakeSegSource) Get(segNum int) (*segment.Segment, bool) {
	s, ok := f.segs[segNum]
	return s, ok
}

type fakeSink struct {
	pushed []string
}

func (f *fakeSink) PushFrame(camera CameraName, rgb []byte, w, h int) error {
	f.pushed = append(f.pushed, string(camera))
	return nil
}

func TestDispatchDropsOnFullQueue(t *testing.T) {
	d := New(fakeSegSource{}, &fakeSink{}, 10, 10)
	d.queues[CameraRoadName] = make(chan request, 2)

	ev := &logreader.Event{Which: wire.WhichRoadCameraState, EncodeIdx: &logreader.EncodeRef{FrameID: 1}}
	for i := 0; i < 5; i++ {
		d.Dispatch(0, ev)
	}

	if got := len(d.queues[CameraRoadName]); got != 2 {
		t.Fatalf("want queue capped at 2, got %d", got)
	}
}

func TestDispatchIgnoresNonCameraEvents(t *testing.T) {
	d := New(fakeSegSource{}, &fakeSink{}, 10, 10)
	d.queues[CameraRoadName] = make(chan request, 2)

	d.Dispatch(0, &logreader.Event{Which: wire.WhichCarState})

	if got := len(d.queues[CameraRoadName]); got != 0 {
		t.Fatalf("expected no enqueue for a non-camera event, got %d", got)
	}
}

func TestHandleSkipsWhenSegmentNotReady(t *testing.T) {
	seg := segment.New(0, routeinfo.SegmentFiles{}, 0, nil) // stays in StateLoading
	d := New(fakeSegSource{segs: map[int]*segment.Segment{0: seg}}, &fakeSink{}, 10, 10)

	// must not panic or attempt to open a reader
	d.handle(context.Background(), CameraRoadName, request{segNum: 0, frameID: 1})
}

func TestHandlePushesNothingForUnloadedSegment(t *testing.T) {
	seg := segment.New(0, routeinfo.SegmentFiles{}, 0, nil)
	sink := &fakeSink{}
	d := New(fakeSegSource{segs: map[int]*segment.Segment{0: seg}}, sink, 10, 10)

	d.handle(context.Background(), CameraRoadName, request{segNum: 0, frameID: 1})
	if len(sink.pushed) != 0 {
		t.Fatalf("expected no frames pushed, got %v", sink.pushed)
	}
}
