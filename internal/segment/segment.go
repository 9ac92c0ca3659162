// Package segment implements the unit of
// loading within a route — one log stream plus up to three camera
// streams, loaded in parallel and exposed as an immutable, time-ordered
// event slice once ready.
//
// The up-to-four-parallel-loaders shape mirrors stream_manager.go's
// habit of kicking off independent goroutines per resource and
// synchronizing completion through callbacks rather than a shared
// barrier the caller blocks on.
package segment

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"drivelog/internal/filesource"
	"drivelog/internal/logreader"
	"drivelog/internal/replayerr"
	"drivelog/internal/routeinfo"
)

// State is a Segment's loading lifecycle state.
type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CameraKind selects which camera streams a Segment should load.
type CameraKind int

const (
	CameraRoad CameraKind = 1 << iota
	CameraDriver
	CameraWide
)

// Has reports whether mask requests kind.
func (mask CameraKind) Has(kind CameraKind) bool { return mask&kind != 0 }

// CameraPaths gives the local, on-disk path of each loaded camera
// stream, for FrameDispatcher to open videoframe.Readers against.
type CameraPaths struct {
	Road, Driver, Wide string
}

// Segment is one route segment's loaded state. Safe for concurrent
// reads of its Ready/Failed fields once loadFinished has fired; Events
// and EncodeIndex are written once, before that signal, and never
// mutated afterwards.
type Segment struct {
	ID       int
	Files    routeinfo.SegmentFiles
	Cameras  CameraKind

	mu    sync.RWMutex
	state State
	err   error

	Events      []logreader.Event
	EncodeIndex logreader.EncodeIndex
	CameraPaths CameraPaths

	onFinished func(seg *Segment, success bool)
}

// New builds a Segment in the Loading state. Call Load to begin
// fetching; onFinished, if non-nil, is invoked exactly once when
// loading completes (successfully or not).
func New(id int, files routeinfo.SegmentFiles, cameras CameraKind, onFinished func(*Segment, bool)) *Segment {
	return &Segment{
		ID:         id,
		Files:      files,
		Cameras:    cameras,
		state:      StateLoading,
		onFinished: onFinished,
	}
}

func (s *Segment) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Segment) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Load fetches the log (mandatory) and the requested camera files
// (best-effort) in parallel, then decodes the log into events. A
// camera fetch failure does not fail the segment; a log fetch or
// decode failure does.
func (s *Segment) Load(ctx context.Context, src *filesource.Source, cacheDir string) {
	var (
		wg         sync.WaitGroup
		logErr     error
		logResult  *logreader.Result
		cameraErrs [3]error
		cameraPaths CameraPaths
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		data, err := src.Get(ctx, s.Files.LogPath)
		if err != nil {
			logErr = fmt.Errorf("%w: fetch log: %v", replayerr.ErrSegmentLoadFailed, err)
			return
		}
		_, res, err := logreader.Decode(bytes.NewReader(data), logreader.DefaultOptions())
		if err != nil && res == nil {
			logErr = fmt.Errorf("%w: decode log: %v", replayerr.ErrSegmentLoadFailed, err)
			return
		}
		logResult = res
		// a partial-decode warning is not fatal: keep what was parsed
	}()

	type cameraLoad struct {
		kind CameraKind
		path string
		dst  *string
		errp *error
	}
	loads := []cameraLoad{
		{CameraRoad, s.Files.RoadCamPath, &cameraPaths.Road, &cameraErrs[0]},
		{CameraDriver, s.Files.DriverCamPath, &cameraPaths.Driver, &cameraErrs[1]},
		{CameraWide, s.Files.WideCamPath, &cameraPaths.Wide, &cameraErrs[2]},
	}
	for _, l := range loads {
		if !s.Cameras.Has(l.kind) || l.path == "" {
			continue
		}
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			localPath, err := s.materializeCamera(ctx, src, cacheDir, l.path)
			if err != nil {
				*l.errp = err
				return
			}
			*l.dst = localPath
		}()
	}

	wg.Wait()

	// onFinished runs after the lock is released: callbacks read State()/Err().
	s.mu.Lock()
	if logErr != nil {
		s.state = StateFailed
		s.err = logErr
		s.mu.Unlock()
		if s.onFinished != nil {
			s.onFinished(s, false)
		}
		return
	}

	s.Events = logResult.Events
	s.EncodeIndex = logResult.EncodeIndex
	s.CameraPaths = cameraPaths
	s.state = StateReady
	s.mu.Unlock()
	if s.onFinished != nil {
		s.onFinished(s, true)
	}
}

// materializeCamera ensures the camera stream named by rawPath exists as
// a local file videoframe.Reader can open — FileSource already caches
// remote fetches on disk, but a local-path source is used as-is.
func (s *Segment) materializeCamera(ctx context.Context, src *filesource.Source, cacheDir, rawPath string) (string, error) {
	if _, err := os.Stat(rawPath); err == nil {
		return rawPath, nil
	}
	data, err := src.Get(ctx, rawPath)
	if err != nil {
		return "", fmt.Errorf("%w: fetch camera stream: %v", replayerr.ErrIO, err)
	}
	localPath := filepath.Join(cacheDir, fmt.Sprintf("seg%d-%s.cam", s.ID, sanitize(rawPath)))
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write camera stream: %v", replayerr.ErrIO, err)
	}
	return localPath, nil
}

func sanitize(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// EncodeRefFor reports the frame_id→location mapping for which, if any.
func (s *Segment) EncodeRefFor(frameID uint32) (logreader.EncodeRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.EncodeIndex[frameID]
	return ref, ok
}

