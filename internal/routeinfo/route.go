// Package routeinfo implements route resolution: given a
// route id, find its segment files either on local disk (the log-root
// convention directory) or from a remote HTTPS endpoint, applying the
// log→qlog and camera→qcamera substitution rules when full streams are
// unavailable.
//
// The remote lookup's request/decode shape follows models.Client's
// plain net/http + encoding/json GET-and-decode pattern.
package routeinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"drivelog/internal/replayerr"
)

// SegmentFiles names the files available for one segment number.
type SegmentFiles struct {
	LogPath        string // rlog or qlog, depending on availability
	LogIsQLog      bool
	RoadCamPath    string
	DriverCamPath  string
	WideCamPath    string
	RoadCamIsQCam  bool
}

// Route is a resolved, sorted set of segments for a route id.
type Route struct {
	ID       string
	Segments map[int]SegmentFiles
}

// SortedSegmentNums returns segment numbers in ascending order.
func (r *Route) SortedSegmentNums() []int {
	nums := make([]int, 0, len(r.Segments))
	for n := range r.Segments {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Options configures resolution.
type Options struct {
	// LocalRoot is the log-root convention directory searched first
	// (the LOG_ROOT convention directory). Empty disables local lookup.
	LocalRoot string
	// RemoteBaseURL is the HTTPS route-info endpoint queried when no
	// local segments are found. Empty disables remote lookup.
	RemoteBaseURL string
	// BearerToken authenticates the remote request, when set.
	BearerToken string
	// HTTPClient is used for the remote call. Defaults to a client
	// with a 15s timeout.
	HTTPClient *http.Client
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// segDirPattern matches "<routeid>--<segnum>" directory names under the
// local convention root, e.g. "a1b2c3--4".
var segDirPattern = regexp.MustCompile(`^(.+)--(\d+)$`)

// Resolve finds segment files for routeID, trying the local convention
// directory first and falling back to the remote endpoint.
func Resolve(ctx context.Context, routeID string, opts Options) (*Route, error) {
	if opts.LocalRoot != "" {
		if route, ok := resolveLocal(routeID, opts.LocalRoot); ok {
			return route, nil
		}
	}
	if opts.RemoteBaseURL != "" {
		route, err := resolveRemote(ctx, routeID, opts)
		if err != nil {
			return nil, err
		}
		return route, nil
	}
	return nil, fmt.Errorf("%w: route %s not found locally and no remote endpoint configured", replayerr.ErrRouteNotFound, routeID)
}

func resolveLocal(routeID, root string) (*Route, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, false
	}

	route := &Route{ID: routeID, Segments: make(map[int]SegmentFiles)}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := segDirPattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != routeID {
			continue
		}
		segNum, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		dir := filepath.Join(root, e.Name())
		route.Segments[segNum] = localSegmentFiles(dir)
	}

	if len(route.Segments) == 0 {
		return nil, false
	}
	return route, true
}

func localSegmentFiles(dir string) SegmentFiles {
	pick := func(primary, fallback string) (string, bool) {
		if p := filepath.Join(dir, primary); fileExists(p) {
			return p, false
		}
		if f := filepath.Join(dir, fallback); fileExists(f) {
			return f, true
		}
		return "", false
	}

	logPath, isQ := pick("rlog.bz2", "qlog.bz2")
	roadPath, roadIsQ := pick("fcamera.hevc", "qcamera.ts")
	driverPath, _ := pick("dcamera.hevc", "dcamera.hevc")
	widePath, _ := pick("ecamera.hevc", "ecamera.hevc")

	return SegmentFiles{
		LogPath:       logPath,
		LogIsQLog:     isQ,
		RoadCamPath:   roadPath,
		RoadCamIsQCam: roadIsQ,
		DriverCamPath: driverPath,
		WideCamPath:   widePath,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// remoteResponse mirrors the subset of fields the route-info endpoint
// returns: per-segment URLs, already split by stream kind, with qlog/
// qcamera variants alongside the full streams.
type remoteResponse struct {
	Logs     []string `json:"logs"`
	QLogs    []string `json:"qlogs"`
	Cameras  []string `json:"cameras"`
	QCameras []string `json:"qcameras"`
	DCameras []string `json:"dcameras"`
	ECameras []string `json:"ecameras"`
}

func resolveRemote(ctx context.Context, routeID string, opts Options) (*Route, error) {
	reqURL := strings.TrimRight(opts.RemoteBaseURL, "/") + "/v1/route/" + routeID + "/files"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", replayerr.ErrNetwork, err)
	}
	if opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.BearerToken)
	}

	resp, err := opts.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", replayerr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: route %s", replayerr.ErrRouteNotFound, routeID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: route endpoint returned status %d", replayerr.ErrNetwork, resp.StatusCode)
	}

	var body remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode route response: %v", replayerr.ErrNetwork, err)
	}

	route := &Route{ID: routeID, Segments: make(map[int]SegmentFiles)}
	merge := func(full, q []string, assign func(segNum int, url string, isSubstitute bool)) {
		for segNum, url := range full {
			assign(segNum, url, false)
		}
		for segNum, url := range q {
			if segNum >= len(full) || full[segNum] == "" {
				assign(segNum, url, true)
			}
		}
	}

	segFor := func(segNum int) SegmentFiles { return route.Segments[segNum] }
	put := func(segNum int, sf SegmentFiles) { route.Segments[segNum] = sf }

	merge(body.Logs, body.QLogs, func(segNum int, url string, isQ bool) {
		sf := segFor(segNum)
		sf.LogPath, sf.LogIsQLog = url, isQ
		put(segNum, sf)
	})
	merge(body.Cameras, body.QCameras, func(segNum int, url string, isQ bool) {
		sf := segFor(segNum)
		sf.RoadCamPath, sf.RoadCamIsQCam = url, isQ
		put(segNum, sf)
	})
	for segNum, url := range body.DCameras {
		sf := segFor(segNum)
		sf.DriverCamPath = url
		put(segNum, sf)
	}
	for segNum, url := range body.ECameras {
		sf := segFor(segNum)
		sf.WideCamPath = url
		put(segNum, sf)
	}

	if len(route.Segments) == 0 {
		return nil, fmt.Errorf("%w: route %s resolved with zero segments", replayerr.ErrRouteNotFound, routeID)
	}
	return route, nil
}
