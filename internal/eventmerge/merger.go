// Package eventmerge implements a k-way
// merge of each loaded segment's already time-sorted events into one
// global view, republished atomically whenever the segment set changes.
//
// The build-off-lock-then-swap-under-lock publication style, plus
// notifying subscribers with a non-blocking send that drops and logs on
// a full channel, is EventBroadcaster's Subscribe/Broadcast pattern
// generalized from one event at a time to a whole-view swap.
package eventmerge

import (
	"container/heap"
	"log"
	"sync"

	"drivelog/internal/logreader"
	"drivelog/internal/segment"
	"drivelog/internal/wire"
)

// View is one immutable, globally time-ordered snapshot of events across
// every currently-loaded segment.
type View struct {
	Events            []*logreader.Event
	RouteStartTS       uint64
	EarliestSegmentID int
	LatestSegmentID   int
}

// Merger holds the current View and republishes a new one whenever the
// tracked segment set changes. Safe for concurrent use.
type Merger struct {
	mu   sync.RWMutex
	view *View

	// routeStartTS is established once, on the first merge that
	// produces any events, and carried forward on every View after
	// that — even once the segment that set it (usually the one
	// carrying InitData) is evicted from the window.
	routeStartTS uint64

	subMu sync.Mutex
	subs  []chan struct{}
}

// New builds an empty Merger.
func New() *Merger {
	return &Merger{view: &View{}}
}

// Current returns the latest published View. Never nil.
func (m *Merger) Current() *View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// Subscribe registers a channel that receives a non-blocking notify
// (an empty struct send) every time a new View is published. Callers
// should re-read Current() after being notified rather than trust the
// signal's payload.
func (m *Merger) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// Rebuild merges the Ready segments in segs (keyed by segment number)
// into a new View and publishes it. Called whenever a segment finishes
// loading or is evicted from the window.
func (m *Merger) Rebuild(segs map[int]*segment.Segment) {
	m.mu.RLock()
	established := m.routeStartTS
	m.mu.RUnlock()

	view := merge(segs, established)

	m.mu.Lock()
	if m.routeStartTS == 0 {
		m.routeStartTS = view.RouteStartTS
	}
	m.view = view
	m.mu.Unlock()

	m.notify()
}

func (m *Merger) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
			log.Printf("[eventmerge] subscriber channel full, dropping notify")
		}
	}
}

// sortedSegment is one input stream to the k-way merge: a Ready
// segment's events (already sorted by MonoTime) plus a read cursor.
type sortedSegment struct {
	segID int
	events []logreader.Event
	pos    int
}

// mergeHeap orders sortedSegments by their current head event's
// MonoTime, tie-broken on Seq, matching the stable sort LogDecoder
// applies within a single segment.
type mergeHeap []*sortedSegment

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].events[h[i].pos], h[j].events[h[j].pos]
	if a.MonoTime != b.MonoTime {
		return a.MonoTime < b.MonoTime
	}
	return a.Seq < b.Seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*sortedSegment)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// merge builds a View from segs. established, if nonzero, is the
// already-fixed RouteStartTS from a prior merge, and wins over whatever
// this merge's own segment set would compute (see Merger.routeStartTS).
func merge(segs map[int]*segment.Segment, established uint64) *View {
	var inputs []*sortedSegment
	earliest, latest := -1, -1

	for segID, seg := range segs {
		if seg.State() != segment.StateReady || len(seg.Events) == 0 {
			continue
		}
		inputs = append(inputs, &sortedSegment{segID: segID, events: seg.Events})
		if earliest == -1 || segID < earliest {
			earliest = segID
		}
		if latest == -1 || segID > latest {
			latest = segID
		}
	}

	h := make(mergeHeap, 0, len(inputs))
	for _, in := range inputs {
		h = append(h, in)
	}
	heap.Init(&h)

	var out []*logreader.Event
	for h.Len() > 0 {
		top := h[0]
		ev := &top.events[top.pos]
		out = append(out, ev)

		top.pos++
		if top.pos >= len(top.events) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}

	routeStartTS := established
	if routeStartTS == 0 && len(out) > 0 {
		routeStartTS = out[0].MonoTime
		for _, ev := range out {
			if ev.Which == wire.WhichInitData {
				routeStartTS = ev.MonoTime
				break
			}
		}
	}

	return &View{
		Events:            out,
		RouteStartTS:      routeStartTS,
		EarliestSegmentID: earliest,
		LatestSegmentID:   latest,
	}
}
