// Command replay plays back a recorded driving route: resolves its
// segments, decodes logs and camera frames in a sliding window around
// the current position, and republishes everything on its original
// timeline, following cmd/server/main.go's flag-parse-then-wire-in-order
// style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-gst/go-gst/gst"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"drivelog/internal/authtoken"
	"drivelog/internal/config"
	"drivelog/internal/controller"
	"drivelog/internal/controlrpc"
	"drivelog/internal/framedispatch"
	"drivelog/internal/routecache"
	"drivelog/internal/routeinfo"
	"drivelog/internal/segment"
	"drivelog/internal/segwindow"
	"drivelog/pkg/sink"
)

// Road camera resolution, matching the source's own EON/C3 wide-angle
// sensor crop.
const (
	defaultCameraWidth  = 1928
	defaultCameraHeight = 1208
)

// replayFlags mirrors the source's bitmask REPLAY_FLAGS env var, parsed
// as a comma-separated list of names instead of bits since there's no
// C enum header shared with a UI process here.
type replayFlags struct {
	dcam        bool
	ecam        bool
	noLoop      bool
	noFileCache bool
	qcamera     bool
	fullSpeed   bool
}

func parseReplayFlags(raw string) replayFlags {
	var f replayFlags
	for _, name := range strings.Split(raw, ",") {
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case "DCAM":
			f.dcam = true
		case "ECAM":
			f.ecam = true
		case "NO_LOOP":
			f.noLoop = true
		case "NO_FILE_CACHE":
			f.noFileCache = true
		case "QCAMERA":
			f.qcamera = true
		case "FULL_SPEED":
			f.fullSpeed = true
		case "":
		default:
			log.Printf("replay: ignoring unknown REPLAY_FLAGS entry %q", name)
		}
	}
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	listenAddr := flag.String("listen", "", "address to serve the control API on (empty disables it)")
	speed := flag.Float64("speed", 1.0, "initial playback speed multiplier")
	startSeconds := flag.Float64("start", 0, "seconds into the route to start playback at")
	backward := flag.Int("backward", 2, "segments to keep cached behind the current one")
	forward := flag.Int("forward", 3, "segments to keep cached ahead of the current one")
	debugOverlay := flag.Bool("debug-overlay", false, "burn a camera/frame-counter label into every dispatched frame")
	overlayMaxEdge := flag.Int("overlay-max-edge", 0, "with -debug-overlay, downscale frames so their longer edge is at most this many pixels (0 disables downscaling)")
	flag.Parse()

	routeID := flag.Arg(0)
	if routeID == "" {
		fmt.Fprintln(os.Stderr, "usage: replay [flags] <route-id>")
		return 1
	}

	gst.Init(nil)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("replay: load config: %v", err)
	}

	flags := parseReplayFlags(os.Getenv("REPLAY_FLAGS"))
	if flags.fullSpeed {
		*speed = math.Inf(1) // an unbounded speed puts every pacing target in the past, so pacing.Clock.WaitFor never sleeps
	}

	cacheDir := cfg.DataCacheDir
	if flags.noFileCache {
		cacheDir = ""
	}

	cameras := segment.CameraRoad
	if flags.dcam {
		cameras |= segment.CameraDriver
	}
	if flags.ecam {
		cameras |= segment.CameraWide
	}

	var routeCache *routecache.Cache
	if cfg.DatabaseURL != "" {
		routeCache, err = routecache.Open(context.Background(), cfg.DatabaseURL, 0)
		if err != nil {
			log.Printf("replay: route cache unavailable, continuing without it: %v", err)
			routeCache = nil
		} else {
			defer routeCache.Close()
		}
	}

	var bearerToken string
	if cfg.JWTSecret != "" {
		gen := authtoken.NewGenerator(cfg.JWTSecret, "drivelog-replay", time.Hour)
		tok, err := gen.Mint()
		if err != nil {
			log.Fatalf("replay: mint bearer token: %v", err)
		}
		bearerToken = tok
	}

	if routeCache != nil {
		if cached, ok, err := routeCache.Get(context.Background(), routeID); err == nil && ok {
			log.Printf("replay: route cache has %s (%d segments); the route is still resolved again", routeID, len(cached.Segments))
		}
	}

	videoSink, err := sink.NewWebRTCVideoSink(defaultCameraWidth, defaultCameraHeight)
	if err != nil {
		log.Fatalf("replay: create video sink: %v", err)
	}
	messageSink := sink.NewWebSocketMessageSink()

	var ctrl *controller.Controller
	segs := framedispatch.SegmentSourceFunc(func(segNum int) (*segment.Segment, bool) {
		if ctrl == nil {
			return nil, false
		}
		win := ctrl.Window()
		if win == nil {
			return nil, false
		}
		return win.Get(segNum)
	})
	var dispatchSink framedispatch.Sink = videoSink
	if *debugOverlay {
		annotated, err := sink.NewAnnotatingSink(videoSink, *overlayMaxEdge)
		if err != nil {
			log.Fatalf("replay: create overlay sink: %v", err)
		}
		dispatchSink = annotated
	}
	dispatcher := framedispatch.New(segs, dispatchSink, defaultCameraWidth, defaultCameraHeight)

	ctrl = controller.New(controller.Config{
		RouteID: routeID,
		RouteOpts: routeinfo.Options{
			LocalRoot:     cfg.LogRoot,
			RemoteBaseURL: cfg.RemoteBaseURL,
			BearerToken:   bearerToken,
		},
		CacheDir: cacheDir,
		Window: segwindow.Config{
			Backward: *backward,
			Forward:  *forward,
			Cameras:  cameras,
			CacheDir: cacheDir,
		},
		Loop:         !flags.noLoop,
		InitialSpeed: *speed,
		Dispatcher:   dispatcher,
		Sink:         messageSink,
		AllowTags:    cfg.AllowTags,
		BlockTags:    cfg.BlockTags,
	})

	ctrl.OnSegmentChanged(func(segNum int) { log.Printf("replay: segment %d ready", segNum) })

	stopped := make(chan struct{})
	ctrl.OnStop(func() {
		log.Printf("replay: stopped")
		close(stopped)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !ctrl.Load(ctx) {
		log.Printf("replay: failed to load route %s", routeID)
		return 2
	}

	if routeCache != nil {
		if route := ctrl.Route(); route != nil {
			if err := routeCache.Put(context.Background(), route); err != nil {
				log.Printf("replay: cache route resolution: %v", err)
			}
		}
	}

	dispatcher.Start(ctx)

	if *startSeconds > 0 {
		if err := ctrl.Start(*startSeconds); err != nil {
			log.Printf("replay: seek to start: %v", err)
		}
	}

	var httpSrv *http.Server
	if *listenAddr != "" {
		var verifier *authtoken.Generator
		if cfg.JWTSecret != "" {
			verifier = authtoken.NewGenerator(cfg.JWTSecret, "drivelog-control", time.Hour)
		}
		svc := controlrpc.NewService(ctrl, verifier)
		svc.SetVideoSink(videoSink)
		h2s := &http2.Server{}
		httpSrv = &http.Server{
			Addr:    *listenAddr,
			Handler: h2c.NewHandler(svc.Handler(), h2s),
		}
		go func() {
			log.Printf("replay: control API listening on %s", *listenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("replay: control API server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Printf("replay: signal received, stopping")
		ctrl.Stop()
	case <-stopped:
	}

	<-stoppedOrTimeout(stopped, 5*time.Second)

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}
	dispatcher.Stop()
	messageSink.Close()
	videoSink.Close()

	return 0
}

// stoppedOrTimeout returns a channel that closes when stopped does, or
// after timeout elapses, whichever comes first, so a stuck stream loop
// never wedges shutdown indefinitely.
func stoppedOrTimeout(stopped chan struct{}, timeout time.Duration) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-stopped:
		case <-time.After(timeout):
		}
	}()
	return out
}

