// Package transform implements the atomic image operations used to build
// augmentation chains.
//
// Every operation takes an opaque *image.NRGBA and returns a new one of the
// same size; the input is never modified. Random parameters are drawn from
// the supplied Rand and reported back in a Step so that callers can replay
// the geometry on bounding boxes.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"time"

	"github.com/disintegration/imaging"
)

// Rand is the subset of *rand.Rand the operations draw from.
type Rand interface {
	Float64() float64
	Intn(n int) int
	NormFloat64() float64
}

// NewRand returns a time-seeded generator.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Op identifies one atomic transform.
type Op int

const (
	FlipH Op = iota
	FlipV
	Rotate
	CropResize
	Brightness
	Contrast
	Saturation
	Sharpness
	Noise
	Blur
	Warm
	Cold
	Reencode
)

var opNames = map[Op]string{
	FlipH:      "flip_h",
	FlipV:      "flip_v",
	Rotate:     "rotate",
	CropResize: "crop",
	Brightness: "brightness",
	Contrast:   "contrast",
	Saturation: "saturation",
	Sharpness:  "sharpness",
	Noise:      "noise",
	Blur:       "blur",
	Warm:       "warm",
	Cold:       "cold",
	Reencode:   "jpeg",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Geometric reports whether the op moves pixels, as opposed to changing values.
func (o Op) Geometric() bool {
	switch o {
	case FlipH, FlipV, Rotate, CropResize:
		return true
	}
	return false
}

// ParseOp looks an op up by name.
func ParseOp(name string) (Op, error) {
	for o, n := range opNames {
		if n == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown transform %q", name)
}

// Rotation angles in degrees, counter-clockwise.
var RotationAngles = []float64{-12, -8, -5, 5, 8, 12}

// Parameter ranges.
const (
	CropScaleMin, CropScaleMax   = 0.80, 0.92
	BrightnessMin, BrightnessMax = 0.65, 1.35
	ContrastMin, ContrastMax     = 0.75, 1.25
	SaturationMin, SaturationMax = 0.6, 1.4
	SharpnessMin, SharpnessMax   = 1.3, 2.0
	NoiseSigmaMin, NoiseSigmaMax = 5, 18
	BlurRadiusMin, BlurRadiusMax = 0.5, 1.5
	ShiftMajorMin, ShiftMajorMax = 8, 20
	ShiftMinorMin, ShiftMinorMax = 5, 15
	QualityMin, QualityMax       = 25, 55
)

// Step records the parameters one op was applied with.
type Step struct {
	Op Op
	// Size is the input image size.
	Size image.Point
	// Angle is the rotation in degrees (Rotate).
	Angle float64
	// Crop is the source window in pixels (CropResize).
	Crop image.Rectangle
	// Factor is the enhancement factor, noise sigma or blur radius.
	Factor float64
	// Red and Blue are the channel deltas (Warm, Cold).
	Red, Blue float64
	// Quality is the JPEG quality (Reencode).
	Quality int
}

// Apply runs the op on img.
func (o Op) Apply(img *image.NRGBA, rng Rand) (*image.NRGBA, Step, error) {
	b := img.Bounds()
	st := Step{Op: o, Size: image.Pt(b.Dx(), b.Dy())}
	if b.Empty() {
		return nil, st, fmt.Errorf("%s: empty image", o)
	}

	switch o {
	case FlipH:
		return imaging.FlipH(img), st, nil
	case FlipV:
		return imaging.FlipV(img), st, nil
	case Rotate:
		st.Angle = RotationAngles[rng.Intn(len(RotationAngles))]
		return rotate(img, st.Angle), st, nil
	case CropResize:
		st.Crop = randomCrop(st.Size, rng)
		return cropResize(img, st.Crop), st, nil
	case Brightness:
		st.Factor = uniform(rng, BrightnessMin, BrightnessMax)
		return brightness(img, st.Factor), st, nil
	case Contrast:
		st.Factor = uniform(rng, ContrastMin, ContrastMax)
		return contrast(img, st.Factor), st, nil
	case Saturation:
		st.Factor = uniform(rng, SaturationMin, SaturationMax)
		return saturation(img, st.Factor), st, nil
	case Sharpness:
		st.Factor = uniform(rng, SharpnessMin, SharpnessMax)
		return sharpness(img, st.Factor), st, nil
	case Noise:
		st.Factor = uniform(rng, NoiseSigmaMin, NoiseSigmaMax)
		return noise(img, st.Factor, rng), st, nil
	case Blur:
		st.Factor = uniform(rng, BlurRadiusMin, BlurRadiusMax)
		return opaque(imaging.Blur(img, st.Factor)), st, nil
	case Warm:
		st.Red = uniform(rng, ShiftMajorMin, ShiftMajorMax)
		st.Blue = -uniform(rng, ShiftMinorMin, ShiftMinorMax)
		return shift(img, st.Red, st.Blue), st, nil
	case Cold:
		st.Red = -uniform(rng, ShiftMinorMin, ShiftMinorMax)
		st.Blue = uniform(rng, ShiftMajorMin, ShiftMajorMax)
		return shift(img, st.Red, st.Blue), st, nil
	case Reencode:
		st.Quality = QualityMin + rng.Intn(QualityMax-QualityMin+1)
		out, err := reencode(img, st.Quality)
		return out, st, err
	}
	return nil, st, fmt.Errorf("unknown transform %d", int(o))
}

func uniform(rng Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// rotate turns the image on an expanded black canvas and cuts the original
// extents back out of the middle.
func rotate(img *image.NRGBA, angle float64) *image.NRGBA {
	b := img.Bounds()
	rot := imaging.Rotate(img, angle, color.Black)
	out := imaging.CropCenter(rot, b.Dx(), b.Dy())
	if out.Bounds().Size() != b.Size() {
		// thin strips can come back a pixel short of the source extents
		out = imaging.PasteCenter(imaging.New(b.Dx(), b.Dy(), color.Black), out)
	}
	return opaque(out)
}

func randomCrop(size image.Point, rng Rand) image.Rectangle {
	s := uniform(rng, CropScaleMin, CropScaleMax)
	cw := maxInt(1, int(float64(size.X)*s))
	ch := maxInt(1, int(float64(size.Y)*s))
	x := rng.Intn(size.X - cw + 1)
	y := rng.Intn(size.Y - ch + 1)
	return image.Rect(x, y, x+cw, y+ch)
}

func cropResize(img *image.NRGBA, rect image.Rectangle) *image.NRGBA {
	b := img.Bounds()
	cropped := imaging.Crop(img, rect.Add(b.Min))
	return opaque(imaging.Resize(cropped, b.Dx(), b.Dy(), imaging.Lanczos))
}

func brightness(img *image.NRGBA, f float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: clip(float64(c.R) * f), G: clip(float64(c.G) * f), B: clip(float64(c.B) * f), A: 255}
	})
}

// contrast blends every pixel with the mean luminance of the image.
func contrast(img *image.NRGBA, f float64) *image.NRGBA {
	mean := math.Floor(meanLuma(img) + 0.5)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clip(mean + f*(float64(c.R)-mean)),
			G: clip(mean + f*(float64(c.G)-mean)),
			B: clip(mean + f*(float64(c.B)-mean)),
			A: 255,
		}
	})
}

// saturation blends every pixel with its own grey value.
func saturation(img *image.NRGBA, f float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		l := luma(c)
		return color.NRGBA{
			R: clip(l + f*(float64(c.R)-l)),
			G: clip(l + f*(float64(c.G)-l)),
			B: clip(l + f*(float64(c.B)-l)),
			A: 255,
		}
	})
}

var smoothKernel = [9]float64{
	1, 1, 1,
	1, 5, 1,
	1, 1, 1,
}

// sharpness extrapolates away from a smoothed copy.
func sharpness(img *image.NRGBA, f float64) *image.NRGBA {
	smooth := imaging.Convolve3x3(img, smoothKernel, &imaging.ConvolveOptions{Normalize: true})
	src := imaging.Clone(img)
	out := image.NewNRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			s := float64(smooth.Pix[i+c])
			out.Pix[i+c] = clip(s + f*(float64(src.Pix[i+c])-s))
		}
		out.Pix[i+3] = 255
	}
	return out
}

func noise(img *image.NRGBA, sigma float64, rng Rand) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = clip(float64(out.Pix[i+c]) + rng.NormFloat64()*sigma)
		}
		out.Pix[i+3] = 255
	}
	return out
}

func shift(img *image.NRGBA, red, blue float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: clip(float64(c.R) + red), G: c.G, B: clip(float64(c.B) + blue), A: 255}
	})
}

func reencode(img *image.NRGBA, quality int) (*image.NRGBA, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	dec, err := imaging.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	return opaque(imaging.Clone(dec)), nil
}

// opaque forces alpha to 255 in place; resampling near black fill can leave
// partially transparent edge pixels.
func opaque(img *image.NRGBA) *image.NRGBA {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func luma(c color.NRGBA) float64 {
	return (299*float64(c.R) + 587*float64(c.G) + 114*float64(c.B)) / 1000
}

func meanLuma(img *image.NRGBA) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := x * 4
			sum += math.Floor(luma(color.NRGBA{R: row[i], G: row[i+1], B: row[i+2]}))
		}
	}
	return sum / float64(n)
}

func clip(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
