// Package logreader implements stream-parsing
// a bz2-compressed log into a time-ordered Event sequence plus an
// EncodeIndex, following the record framing in internal/wire.
package logreader

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"sort"

	"drivelog/internal/replayerr"
	"drivelog/internal/wire"
)

// Decoder owns the decompressed log buffer. An Event's Bytes slice keeps
// whatever it references reachable on its own, so segment.Load keeps only
// the Result and does not hold on to the Decoder.
type Decoder struct {
	buf []byte
}

// Result is the output of Decode: the time-ordered events, the encode
// index built from encode-idx records, and a non-fatal warning error
// (wrapping replayerr.ErrPartialDecode) when parsing stopped early.
type Result struct {
	Events      []Event
	EncodeIndex EncodeIndex
	Warning     error
}

// Options controls Decode's post-processing.
type Options struct {
	// SortByTime stable-sorts the output by MonoTime, tie-breaking on
	// parse order. Defaults to true; left false
	// only by tests that want to inspect raw parse order.
	SortByTime bool
}

// DefaultOptions matches the spec's documented default.
func DefaultOptions() Options { return Options{SortByTime: true} }

// Decode decompresses r (bz2) and parses it into a Result. Compression is
// via the standard library's compress/bzip2: no third-party bz2 decoder
// appears anywhere in the retrieval pack, and bzip2 is read-only by
// design here (the engine never re-compresses), so the stdlib reader is
// the correct and only tool for the job (see DESIGN.md).
func Decode(r io.Reader, opts Options) (*Decoder, *Result, error) {
	var out bytes.Buffer
	if _, err := io.Copy(&out, bzip2.NewReader(r)); err != nil {
		return nil, nil, fmt.Errorf("bz2 decompress: %w", err)
	}
	d := &Decoder{buf: out.Bytes()}
	if len(d.buf) == 0 {
		return nil, nil, fmt.Errorf("%w: empty decompressed log", replayerr.ErrCorruptLog)
	}

	res, err := d.parse(opts)
	return d, res, err
}

// parse walks d.buf record by record, building events and the encode
// index. On a parse error it keeps everything parsed so far and returns
// it wrapped in replayerr.ErrPartialDecode, per the partial-decode
// policy — whatever was parsed successfully is kept.
func (d *Decoder) parse(opts Options) (*Result, error) {
	var (
		events []Event
		idx    = make(EncodeIndex)
		off    int
		seq    int
		parseErr error
	)

	for off < len(d.buf) {
		rec, next, err := wire.ReadFrameAt(d.buf, off)
		if err != nil {
			parseErr = err
			break
		}
		off = next

		ev := Event{
			Which:    rec.Which,
			MonoTime: rec.LogMonoTime,
			Bytes:    rec.Bytes,
			Seq:      seq,
		}
		if rec.CameraState != nil {
			// camera-state events carry only the frame id they reference
			ev.EncodeIdx = &EncodeRef{FrameID: rec.CameraState.FrameID}
		}
		seq++
		events = append(events, ev)

		if rec.EncodeIdx != nil {
			ref := EncodeRef{
				FrameID:      rec.EncodeIdx.FrameID,
				SegmentNum:   rec.EncodeIdx.SegmentNum,
				SegmentID:    rec.EncodeIdx.SegmentID,
				TimestampSOF: rec.EncodeIdx.TimestampSOF,
				TimestampEOF: rec.EncodeIdx.TimestampEOF,
			}
			idx[ref.FrameID] = ref

			// two events are produced from the same
			// record — the original at log_mono_time (already appended
			// above) and a frame event at sof if nonzero else eof else
			// the record's own log time.
			frameTime := ref.TimestampSOF
			if frameTime == 0 {
				frameTime = ref.TimestampEOF
			}
			if frameTime == 0 {
				frameTime = rec.LogMonoTime
			}
			events = append(events, Event{
				Which:     rec.Which,
				MonoTime:  frameTime,
				Bytes:     rec.Bytes,
				EncodeIdx: &ref,
				Seq:       seq,
			})
			seq++
		}
	}

	if opts.SortByTime {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].MonoTime < events[j].MonoTime
		})
	}

	res := &Result{Events: events, EncodeIndex: idx}
	if parseErr != nil {
		res.Warning = fmt.Errorf("%w: %v", replayerr.ErrPartialDecode, parseErr)
		return res, res.Warning
	}
	return res, nil
}
