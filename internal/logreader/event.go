package logreader

import "drivelog/internal/wire"

// EncodeRef is the decoded form of wire.EncodeIdx attached to an Event
// that carries an encode-index record. A camera-state Event gets an
// EncodeRef with only FrameID set, the frame it references.
type EncodeRef struct {
	FrameID      uint32
	SegmentNum   int32
	SegmentID    uint32
	TimestampSOF uint64
	TimestampEOF uint64
}

// Event is one parsed record from a segment's log. Bytes borrows from the
// owning Decoder's decompressed buffer (see Decoder.buf) — an Event
// outlives its Decoder only if a caller copies Bytes explicitly. Seq is
// the event's original parse order, used as the sort tie-break.
type Event struct {
	Which      wire.Which
	MonoTime   uint64
	Bytes      []byte
	EncodeIdx  *EncodeRef
	Seq        int
}

// EncodeIndex maps a logical frame_id to where it physically lives in a
// segment's encoded video file(s). Populated during LogDecoder.Decode.
type EncodeIndex map[uint32]EncodeRef
