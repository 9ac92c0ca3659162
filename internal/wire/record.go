// Package wire defines the CBOR-encoded record format a LogDecoder reads
// from a decompressed log buffer, and the length-prefixed framing used to
// walk a buffer record by record.
//
// Framing mirrors node.Conn's message framing: each record is
// [4-byte big-endian length][CBOR payload]. This lets a single io.Reader
// (or, more commonly here, an in-memory decompressed buffer) be walked
// without a schema registry.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// LengthPrefixSize is the size of the big-endian record length header.
const LengthPrefixSize = 4

// Which identifies the tagged variant carried by a Record.
type Which string

const (
	WhichInitData             Which = "initData"
	WhichRoadCameraState      Which = "roadCameraState"
	WhichDriverCameraState    Which = "driverCameraState"
	WhichWideRoadCameraState  Which = "wideRoadCameraState"
	WhichRoadEncodeIdx        Which = "roadEncodeIdx"
	WhichDriverEncodeIdx      Which = "driverEncodeIdx"
	WhichWideRoadEncodeIdx    Which = "wideRoadEncodeIdx"
	WhichCarState             Which = "carState"
	WhichControlsState        Which = "controlsState"
	WhichCan                  Which = "can"
)

// CameraState carries the frameId a camera-state message references into
// the video file via the EncodeIndex built from *EncodeIdx records.
type CameraState struct {
	FrameID uint32 `cbor:"frame_id"`
}

// EncodeIdx is the payload of a roadEncodeIdx/driverEncodeIdx/wideRoadEncodeIdx
// record: it links a logical frame_id to a physical encode position.
type EncodeIdx struct {
	FrameID      uint32 `cbor:"frame_id"`
	SegmentNum   int32  `cbor:"segment_num"`
	SegmentID    uint32 `cbor:"segment_id"`
	TimestampSOF uint64 `cbor:"timestamp_sof"`
	TimestampEOF uint64 `cbor:"timestamp_eof"`
}

// ControlsState carries the engagement bit used by seekToFlag.
type ControlsState struct {
	Enabled bool `cbor:"enabled"`
}

// Record is one parsed log record, as it appears in the compressed log.
// LogMonoTime is the record's own monotonic timestamp; for EncodeIdx
// records it is distinct from TimestampSOF/TimestampEOF.
type Record struct {
	Which       Which          `cbor:"which"`
	LogMonoTime uint64         `cbor:"logMonoTime"`
	Bytes       []byte         `cbor:"bytes"`          // raw sub-message payload, opaque to the decoder
	CameraState *CameraState   `cbor:"cameraState,omitempty"`
	EncodeIdx   *EncodeIdx     `cbor:"encodeIdx,omitempty"`
	Controls    *ControlsState `cbor:"controls,omitempty"`
}

// Encode serializes a Record to CBOR. Used by test fixtures that build
// synthetic logs.
func (r *Record) Encode() ([]byte, error) {
	return cbor.Marshal(r)
}

// DecodeRecord deserializes a single CBOR-encoded Record.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

// AppendFramed appends a length-prefixed, CBOR-encoded record to dst and
// returns the new slice. Used by test fixtures to build synthetic log
// buffers the same shape LogDecoder expects after bz2 decompression.
func AppendFramed(dst []byte, r *Record) ([]byte, error) {
	payload, err := r.Encode()
	if err != nil {
		return nil, err
	}
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// ReadFrameAt reads the record starting at offset off in buf, returning the
// decoded Record, the offset immediately after it, and any error. It does
// not copy the record's Bytes field out of buf — callers that need the
// record to outlive buf must copy explicitly (see Event's borrowing
// contract in the logreader package).
func ReadFrameAt(buf []byte, off int) (*Record, int, error) {
	if off+LengthPrefixSize > len(buf) {
		return nil, off, fmt.Errorf("truncated record header at offset %d", off)
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+LengthPrefixSize]))
	start := off + LengthPrefixSize
	end := start + n
	if n <= 0 || end > len(buf) {
		return nil, off, fmt.Errorf("truncated record payload at offset %d (len=%d)", off, n)
	}
	rec, err := DecodeRecord(buf[start:end])
	if err != nil {
		return nil, off, err
	}
	return rec, end, nil
}
