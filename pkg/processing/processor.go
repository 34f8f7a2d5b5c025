package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/Tr1pa/Dataset-Generator/internal/utils"
	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
)

// Processor handles image decoding, encoding and output writes
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from a file path with WebP support and returns
// it as an opaque RGB raster
func (p *Processor) LoadImage(path string) (*image.NRGBA, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return ToRGB(img), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := p.DecodeImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ToRGB(img), nil
}

// DecodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) DecodeImageFromBytes(data []byte) (image.Image, error) {
	// Try standard image.Decode first
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	// Try WebP decode
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// ToRGB copies img into an NRGBA buffer with alpha dropped, the same way a
// conversion to 3-channel RGB would.
func ToRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 255
	}
	return out
}

// EncodeImage encodes an image into the given format (jpg, png or webp)
func (p *Processor) EncodeImage(img image.Image, format string, quality int, lossless bool) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "webp":
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		if err := webp.Encode(&buf, img, opts); err != nil {
			return nil, err
		}
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
			return nil, err
		}
	case "jpg", "jpeg", "":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return buf.Bytes(), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	data, err := p.EncodeImage(img, format, quality, lossless)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o644)
}

// WritePair writes an image and its label file as one unit: if the label
// cannot be written the image is removed again.
func (p *Processor) WritePair(img image.Image, imagePath string, set labels.Set, labelPath, format string, quality int) error {
	data, err := p.EncodeImage(img, format, quality, false)
	if err != nil {
		return fmt.Errorf("encode %s: %w", imagePath, err)
	}
	if err := utils.WriteFileAtomic(imagePath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", imagePath, err)
	}
	if err := utils.WriteFileAtomic(labelPath, set.Bytes(), 0o644); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("write %s: %w", labelPath, err)
	}
	return nil
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// palette cycles per class id
var palette = []color.NRGBA{
	{0, 255, 0, 255},
	{255, 204, 0, 255},
	{255, 0, 0, 255},
	{0, 170, 255, 255},
	{255, 0, 255, 255},
}

// CreateAnnotationOverlay draws every annotation box on a copy of img, one
// color per class. Lines that did not parse are skipped.
func (p *Processor) CreateAnnotationOverlay(img image.Image, set labels.Set) image.Image {
	canvas := imaging.Clone(img)
	size := canvas.Bounds().Size()
	short := min(size.X, size.Y)
	stroke := max(2, short/250)
	arm := max(4, short/100)

	for _, a := range set.Annotations() {
		c := image.NewUniform(palette[a.ClassID%len(palette)])
		r := pixelRect(a, size)

		// frame as four bars inside the box
		fill(canvas, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+stroke), c)
		fill(canvas, image.Rect(r.Min.X, r.Max.Y-stroke, r.Max.X, r.Max.Y), c)
		fill(canvas, image.Rect(r.Min.X, r.Min.Y, r.Min.X+stroke, r.Max.Y), c)
		fill(canvas, image.Rect(r.Max.X-stroke, r.Min.Y, r.Max.X, r.Max.Y), c)

		// center mark
		cx, cy := toPixel(a.XCenter, size.X), toPixel(a.YCenter, size.Y)
		fill(canvas, image.Rect(cx-arm, cy, cx+arm, cy+1), c)
		fill(canvas, image.Rect(cx, cy-arm, cx+1, cy+arm), c)
	}

	return canvas
}

// toPixel maps a normalized coordinate onto [0, n], rounding to nearest
func toPixel(v float64, n int) int {
	return int(min(max(v, 0), 1)*float64(n) + 0.5)
}

// pixelRect converts a normalized center-format box to at least one pixel
func pixelRect(a labels.Annotation, size image.Point) image.Rectangle {
	x0, y0, x1, y1 := a.Bounds()
	r := image.Rect(toPixel(x0, size.X), toPixel(y0, size.Y), toPixel(x1, size.X), toPixel(y1, size.Y))
	if r.Dx() == 0 {
		r.Max.X = r.Min.X + 1
	}
	if r.Dy() == 0 {
		r.Max.Y = r.Min.Y + 1
	}
	return r
}

func fill(dst draw.Image, r image.Rectangle, c image.Image) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), c, image.Point{}, draw.Src)
}
