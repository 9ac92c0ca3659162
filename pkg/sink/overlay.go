package sink

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"

	"drivelog/internal/framedispatch"
)

// AnnotatingSink wraps a framedispatch.Sink, burning a camera/frame-
// counter overlay into every RGB frame before forwarding it, and
// optionally downscaling to maxEdge pixels on the longer side. Grounded
// directly on server/webrtc/frame_preprocess.go's
// PreprocessFrame/drawTimestamp pair, adapted from JPEG stills to raw
// RGB24 buffers and from a burned-in timestamp to a burned-in
// camera/frame-counter label (the frame's own wall-clock arrival time
// isn't meaningful for a replay, which runs on the route's recorded
// clock instead).
type AnnotatingSink struct {
	next    framedispatch.Sink
	font    *truetype.Font
	maxEdge int // 0 disables downscaling

	mu      sync.Mutex
	counter map[framedispatch.CameraName]uint64
}

// NewAnnotatingSink parses the embedded Go regular font once and wraps
// next. maxEdge of 0 disables downscaling.
func NewAnnotatingSink(next framedispatch.Sink, maxEdge int) (*AnnotatingSink, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse overlay font: %w", err)
	}
	return &AnnotatingSink{
		next:    next,
		font:    f,
		maxEdge: maxEdge,
		counter: make(map[framedispatch.CameraName]uint64),
	}, nil
}

// PushFrame implements framedispatch.Sink.
func (a *AnnotatingSink) PushFrame(camera framedispatch.CameraName, rgb []byte, width, height int) error {
	img := rgbToImage(rgb, width, height)

	if a.maxEdge > 0 {
		img = scaleToMaxEdge(img, a.maxEdge)
	}

	n := a.nextCount(camera)
	label := fmt.Sprintf("%s #%d", camera, n)
	if err := a.drawLabel(img, label); err != nil {
		// Non-fatal: ship the frame unannotated rather than drop it.
		fmt.Printf("[sink] overlay draw failed: %v\n", err)
	}

	return a.next.PushFrame(camera, imageToRGB(img), img.Bounds().Dx(), img.Bounds().Dy())
}

func (a *AnnotatingSink) nextCount(camera framedispatch.CameraName) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter[camera]++
	return a.counter[camera]
}

// scaleToMaxEdge resizes src so its longer edge is maxEdge pixels,
// preserving aspect ratio, the same CatmullRom-scale approach
// PreprocessFrame uses for its 800px cap.
func scaleToMaxEdge(src *image.RGBA, maxEdge int) *image.RGBA {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= maxEdge && height <= maxEdge {
		return src
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxEdge
		newHeight = (height * maxEdge) / width
	} else {
		newHeight = maxEdge
		newWidth = (width * maxEdge) / height
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// drawLabel burns label into the top-left corner of img over a
// semi-transparent black strip, matching drawTimestamp's layout.
func (a *AnnotatingSink) drawLabel(img *image.RGBA, label string) error {
	const stripHeight = 20
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Min.Y+stripHeight && y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 200})
		}
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(a.font)
	c.SetFontSize(14)
	c.SetClip(bounds)
	c.SetDst(img)
	c.SetSrc(image.NewUniform(color.RGBA{255, 255, 255, 255}))

	pt := freetype.Pt(8, 15)
	_, err := c.DrawString(label, pt)
	return err
}

// rgbToImage copies a tightly-packed RGB24 buffer into an *image.RGBA,
// filling alpha to fully opaque.
func rgbToImage(rgb []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		si := i * 3
		if si+2 >= len(rgb) {
			break
		}
		img.Pix[i*4+0] = rgb[si+0]
		img.Pix[i*4+1] = rgb[si+1]
		img.Pix[i*4+2] = rgb[si+2]
		img.Pix[i*4+3] = 255
	}
	return img
}

// imageToRGB strips alpha back out, the inverse of rgbToImage.
func imageToRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	out := make([]byte, width*height*3)
	for i := 0; i < width*height; i++ {
		out[i*3+0] = img.Pix[i*4+0]
		out[i*3+1] = img.Pix[i*4+1]
		out[i*3+2] = img.Pix[i*4+2]
	}
	return out
}
