package augment

import (
	"fmt"
	"math"
	"strings"

	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
	"github.com/Tr1pa/Dataset-Generator/pkg/transform"
)

// GeometryMode selects how boxes follow geometric transforms.
type GeometryMode int

const (
	// GeometryReference mirrors boxes for flip chains, detected by the
	// "fliph"/"flipv" markers in the chain name, and leaves every other
	// transform's boxes untouched. Rotations and crops therefore keep their
	// pre-transform boxes; this is a known approximation kept for
	// compatibility with existing datasets.
	GeometryReference GeometryMode = iota
	// GeometryCorrected replays the recorded steps on every box: flips
	// mirror, crops remap into the crop window, rotations take the
	// axis-aligned hull of the rotated box. Boxes are clipped to the frame
	// and dropped when nothing of them is left.
	GeometryCorrected
)

func (m GeometryMode) String() string {
	if m == GeometryCorrected {
		return "corrected"
	}
	return "reference"
}

// ParseGeometryMode parses "reference" or "corrected"; empty means reference.
func ParseGeometryMode(s string) (GeometryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reference":
		return GeometryReference, nil
	case "corrected":
		return GeometryCorrected, nil
	}
	return GeometryReference, fmt.Errorf("unknown geometry mode %q", s)
}

// Chain name markers that trigger mirroring in reference mode.
const (
	markerFlipH = "fliph"
	markerFlipV = "flipv"
)

// TransformLine applies the reference co-transform to one raw label line.
// Lines that do not parse are returned unchanged.
func TransformLine(line, chainName string) string {
	l := labels.ParseLine(line)
	if l.Ann == nil {
		return line
	}
	return referenceBox(*l.Ann, chainName).String()
}

// TransformLabels derives the label set for an image produced by the named
// chain. steps are only consulted in GeometryCorrected mode. Order is kept
// and malformed lines pass through verbatim.
func TransformLabels(set labels.Set, chainName string, steps []transform.Step, mode GeometryMode) labels.Set {
	out := make(labels.Set, 0, len(set))
	for _, l := range set {
		if l.Ann == nil {
			out = append(out, l)
			continue
		}
		if mode == GeometryReference {
			out = append(out, labels.NewLine(referenceBox(*l.Ann, chainName)))
			continue
		}
		if a, ok := replay(*l.Ann, steps); ok {
			out = append(out, labels.NewLine(a))
		}
	}
	return out
}

func referenceBox(a labels.Annotation, chainName string) labels.Annotation {
	if strings.Contains(chainName, markerFlipH) {
		a.XCenter = 1 - a.XCenter
	}
	if strings.Contains(chainName, markerFlipV) {
		a.YCenter = 1 - a.YCenter
	}
	return a
}

// replay pushes one box through the recorded steps.
func replay(a labels.Annotation, steps []transform.Step) (labels.Annotation, bool) {
	x0, y0, x1, y1 := a.Bounds()
	for _, st := range steps {
		switch st.Op {
		case transform.FlipH:
			x0, x1 = 1-x1, 1-x0
		case transform.FlipV:
			y0, y1 = 1-y1, 1-y0
		case transform.CropResize:
			w, h := float64(st.Size.X), float64(st.Size.Y)
			cx0, cy0 := float64(st.Crop.Min.X), float64(st.Crop.Min.Y)
			cw, ch := float64(st.Crop.Dx()), float64(st.Crop.Dy())
			x0, x1 = (x0*w-cx0)/cw, (x1*w-cx0)/cw
			y0, y1 = (y0*h-cy0)/ch, (y1*h-cy0)/ch
		case transform.Rotate:
			x0, y0, x1, y1 = rotateHull(x0, y0, x1, y1, st)
		default:
			continue
		}
		var ok bool
		a, ok = labels.FromBounds(a.ClassID, x0, y0, x1, y1)
		if !ok {
			return labels.Annotation{}, false
		}
		x0, y0, x1, y1 = a.Bounds()
	}
	return a.Clamp(), true
}

// rotateHull rotates the box corners counter-clockwise about the image
// center, in pixel space, and returns the normalized axis-aligned hull.
func rotateHull(x0, y0, x1, y1 float64, st transform.Step) (float64, float64, float64, float64) {
	w, h := float64(st.Size.X), float64(st.Size.Y)
	cx, cy := w/2, h/2
	sin, cos := math.Sincos(st.Angle * math.Pi / 180)

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range [][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}} {
		dx, dy := p[0]*w-cx, p[1]*h-cy
		rx := cx + dx*cos + dy*sin
		ry := cy - dx*sin + dy*cos
		minX, maxX = math.Min(minX, rx), math.Max(maxX, rx)
		minY, maxY = math.Min(minY, ry), math.Max(maxY, ry)
	}
	return minX / w, minY / h, maxX / w, maxY / h
}
