// Package labels reads and writes YOLO-style label files.
//
// Each line of a label file describes one object as
//
//	<class_id> <x_center> <y_center> <width> <height>
//
// with all four coordinates normalized to the image's own frame. Lines that
// do not match this shape are kept verbatim so they survive a round trip.
package labels

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Annotation is one normalized bounding box with its class.
type Annotation struct {
	ClassID int     `json:"class_id"`
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// FullFrame returns a box covering the whole image.
func FullFrame(classID int) Annotation {
	return Annotation{ClassID: classID, XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1}
}

// String formats the annotation at six-decimal precision.
func (a Annotation) String() string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", a.ClassID, a.XCenter, a.YCenter, a.Width, a.Height)
}

// Valid reports whether all coordinates lie in [0,1] and the class is non-negative.
func (a Annotation) Valid() bool {
	if a.ClassID < 0 {
		return false
	}
	for _, v := range []float64{a.XCenter, a.YCenter, a.Width, a.Height} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Bounds returns the box corners (x0, y0, x1, y1) in normalized coordinates.
func (a Annotation) Bounds() (float64, float64, float64, float64) {
	return a.XCenter - a.Width/2, a.YCenter - a.Height/2, a.XCenter + a.Width/2, a.YCenter + a.Height/2
}

// FromBounds builds an annotation from normalized corners, clipping to [0,1].
// ok is false when nothing of the box remains inside the frame.
func FromBounds(classID int, x0, y0, x1, y1 float64) (Annotation, bool) {
	x0, y0 = clamp(x0, 0, 1), clamp(y0, 0, 1)
	x1, y1 = clamp(x1, 0, 1), clamp(y1, 0, 1)
	if x1 <= x0 || y1 <= y0 {
		return Annotation{}, false
	}
	return Annotation{
		ClassID: classID,
		XCenter: (x0 + x1) / 2,
		YCenter: (y0 + y1) / 2,
		Width:   x1 - x0,
		Height:  y1 - y0,
	}, true
}

// Clamp limits every coordinate to [0,1].
func (a Annotation) Clamp() Annotation {
	a.XCenter = clamp(a.XCenter, 0, 1)
	a.YCenter = clamp(a.YCenter, 0, 1)
	a.Width = clamp(a.Width, 0, 1)
	a.Height = clamp(a.Height, 0, 1)
	return a
}

// Line is a single label line. Ann is nil when Raw does not parse.
type Line struct {
	Raw string
	Ann *Annotation
}

// ParseLine parses one label line. Lines with a token count other than five,
// or with non-numeric tokens, come back with a nil Ann.
func ParseLine(raw string) Line {
	raw = strings.TrimSpace(raw)
	line := Line{Raw: raw}

	parts := strings.Fields(raw)
	if len(parts) != 5 {
		return line
	}
	cls, err := strconv.Atoi(parts[0])
	if err != nil {
		return line
	}
	var vals [4]float64
	for i, p := range parts[1:] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return line
		}
		vals[i] = v
	}
	line.Ann = &Annotation{ClassID: cls, XCenter: vals[0], YCenter: vals[1], Width: vals[2], Height: vals[3]}
	return line
}

// NewLine wraps an annotation as a formatted line.
func NewLine(a Annotation) Line {
	return Line{Raw: a.String(), Ann: &a}
}

// Set is the ordered list of label lines for one image stem.
type Set []Line

// Parse reads label lines, skipping blank ones.
func Parse(r io.Reader) (Set, error) {
	var set Set
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		set = append(set, ParseLine(text))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// ReadFile loads a label file. A missing file is an empty set.
func ReadFile(path string) (Set, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Set{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer f.Close()

	set, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read label file %s: %w", path, err)
	}
	return set, nil
}

// Annotations returns the parsed annotations, skipping malformed lines.
func (s Set) Annotations() []Annotation {
	out := make([]Annotation, 0, len(s))
	for _, l := range s {
		if l.Ann != nil {
			out = append(out, *l.Ann)
		}
	}
	return out
}

// Strings returns the raw text of every line.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, l := range s {
		out[i] = l.Raw
	}
	return out
}

// Bytes renders the set as file content: lines joined by newlines with a
// trailing newline. An empty set renders as a single newline.
func (s Set) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.Join(s.Strings(), "\n"))
	buf.WriteByte('\n')
	return buf.Bytes()
}

// WriteFile writes the set to path.
func (s Set) WriteFile(path string) error {
	return os.WriteFile(path, s.Bytes(), 0o644)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
