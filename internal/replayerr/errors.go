// Package replayerr defines the sentinel error taxonomy shared across the
// replay engine's components.
package replayerr

import "errors"

var (
	// ErrNetwork means a FileSource fetch exhausted its retries.
	ErrNetwork = errors.New("replay: network error")
	// ErrIO means a local read/write (cache write, disk read) failed.
	ErrIO = errors.New("replay: io error")
	// ErrCorruptLog means a log's decompressed buffer was empty or unparseable from the start.
	ErrCorruptLog = errors.New("replay: corrupt log")
	// ErrPartialDecode means parsing stopped early but some events were recovered.
	ErrPartialDecode = errors.New("replay: partial decode")
	// ErrSegmentLoadFailed means a segment's mandatory log stream could not be loaded.
	ErrSegmentLoadFailed = errors.New("replay: segment load failed")
	// ErrRouteNotFound means neither local disk nor the remote endpoint yielded any segment.
	ErrRouteNotFound = errors.New("replay: route not found")
	// ErrVideoDecode means a FrameReader failed to decode a requested frame.
	ErrVideoDecode = errors.New("replay: video decode error")
	// ErrCancelled means an operation observed the abort/exit signal before completing.
	ErrCancelled = errors.New("replay: cancelled")
)
