/**
 * Image preprocessing ahead of OCR inference
 *
 * Enhancement (grayscale, contrast, median filter) and upscaling of small
 * images. Upscaling reports the factor it applied so detections can be
 * mapped back into the original image's coordinate space.
 */

package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/ocr-server/internal/logging"
)

// ContrastFactor matches a 2x contrast enhancement around the mean luminance
const ContrastFactor = 2.0

// Options selects which transforms Prepare applies
type Options struct {
	Enhance   bool
	Upscale   bool
	MinWidth  int
	MinHeight int
}

// Prepared is the image that should be handed to the engine
type Prepared struct {
	Path  string
	Scale float64
	temp  bool
}

// Temporary reports whether Path is a file Prepare created
func (p *Prepared) Temporary() bool {
	return p.temp
}

// Cleanup removes the temporary file, if any
func (p *Prepared) Cleanup() error {
	if p == nil || !p.temp {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp image: %w", err)
	}
	return nil
}

var logger = logging.NewLogger("Preprocess")

// Prepare applies the requested transforms. When nothing applies the
// original path is returned with scale 1 and no file is written.
func Prepare(path string, opts Options) (*Prepared, error) {
	if !opts.Enhance && !opts.Upscale {
		return &Prepared{Path: path, Scale: 1.0}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	changed := false
	if opts.Enhance {
		img = MedianFilter(AdjustContrast(Grayscale(img), ContrastFactor))
		changed = true
	}

	scale := 1.0
	if opts.Upscale {
		var resized bool
		img, scale, resized = Upscale(img, opts.MinWidth, opts.MinHeight)
		if resized {
			b := img.Bounds()
			logger.Debug("Upscaled image", "width", b.Dx(), "height", b.Dy(), "scale", scale)
			changed = true
		}
	}

	if !changed {
		return &Prepared{Path: path, Scale: scale}, nil
	}

	out, err := writeTempPNG(path, img)
	if err != nil {
		return nil, err
	}
	logger.Debug("Wrote preprocessed image", "source", path, "format", format, "path", out)

	return &Prepared{Path: out, Scale: scale, temp: true}, nil
}

// TempPattern returns the directory and os.CreateTemp pattern for temp
// files derived from an image path: "<dir>/<name>_*_temp.png".
// Every call gets its own file since workers share the source image.
func TempPattern(path string) (dir, pattern string) {
	name := filepath.Base(path)
	return filepath.Dir(path), strings.TrimSuffix(name, filepath.Ext(name)) + "_*_temp.png"
}

func writeTempPNG(source string, img image.Image) (string, error) {
	dir, pattern := TempPattern(source)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to encode temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp image: %w", err)
	}
	return f.Name(), nil
}

// Grayscale converts img to 8-bit luminance
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// AdjustContrast scales every pixel's distance from the mean by factor
func AdjustContrast(img *image.Gray, factor float64) *image.Gray {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return img
	}

	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(img.GrayAt(x, y).Y)
		}
	}
	mean := sum / float64(n)

	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := mean + factor*(float64(img.GrayAt(x, y).Y)-mean)
			out.SetGray(x, y, color.Gray{Y: clampByte(v)})
		}
	}
	return out
}

// MedianFilter applies a 3x3 median; edge pixels use the in-bounds neighbourhood
func MedianFilter(img *image.Gray) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	window := make([]uint8, 0, 9)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			window = window[:0]
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					p := image.Pt(x+dx, y+dy)
					if p.In(b) {
						window = append(window, img.GrayAt(p.X, p.Y).Y)
					}
				}
			}
			sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
			out.SetGray(x, y, color.Gray{Y: window[len(window)/2]})
		}
	}
	return out
}

// Upscale enlarges img so both sides reach the minimum, keeping aspect ratio.
// It returns the factor applied and whether a resize happened.
func Upscale(img image.Image, minWidth, minHeight int) (image.Image, float64, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || (w >= minWidth && h >= minHeight) {
		return img, 1.0, false
	}

	scale := ScaleFor(w, h, minWidth, minHeight)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst, scale, true
}

// ScaleFor is the factor needed to bring a w x h image up to the minimum size
func ScaleFor(w, h, minWidth, minHeight int) float64 {
	if w >= minWidth && h >= minHeight {
		return 1.0
	}
	sw := float64(minWidth) / float64(w)
	sh := float64(minHeight) / float64(h)
	if sw > sh {
		return sw
	}
	return sh
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
