// Package augment multiplies a labeled image dataset by running every source
// image through a fixed catalog of transform chains and keeping the YOLO
// labels in step with the pixels.
package augment

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/Tr1pa/Dataset-Generator/pkg/transform"
)

// Chain is a named, ordered composition of atomic transforms.
type Chain struct {
	Name string
	Ops  []transform.Op
}

func (c Chain) String() string {
	ops := make([]string, len(c.Ops))
	for i, op := range c.Ops {
		ops[i] = op.String()
	}
	return fmt.Sprintf("%s[%s]", c.Name, strings.Join(ops, "→"))
}

// Catalog is an ordered list of chains.
type Catalog []Chain

// DefaultCatalog returns the reference chains in output order.
func DefaultCatalog() Catalog {
	return Catalog{
		{Name: "fliph", Ops: []transform.Op{transform.FlipH}},
		{Name: "bright_cont", Ops: []transform.Op{transform.Brightness, transform.Contrast}},
		{Name: "fliph_warm", Ops: []transform.Op{transform.FlipH, transform.Warm}},
		{Name: "crop_noise", Ops: []transform.Op{transform.CropResize, transform.Noise}},
		{Name: "rot_bright", Ops: []transform.Op{transform.Rotate, transform.Brightness}},
		{Name: "sat_blur_jpeg", Ops: []transform.Op{transform.Saturation, transform.Blur, transform.Reencode}},
		{Name: "cold_sharp", Ops: []transform.Op{transform.Cold, transform.Sharpness}},
	}
}

// Names returns the chain names in order.
func (c Catalog) Names() []string {
	out := make([]string, len(c))
	for i, ch := range c {
		out[i] = ch.Name
	}
	return out
}

// Lookup finds a chain by name.
func (c Catalog) Lookup(name string) (Chain, bool) {
	for _, ch := range c {
		if ch.Name == name {
			return ch, true
		}
	}
	return Chain{}, false
}

// Select returns the chains named in names, keeping catalog order. Unknown
// names are an error.
func (c Catalog) Select(names []string) (Catalog, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := c.Lookup(n); !ok {
			return nil, fmt.Errorf("unknown augmentation chain %q", n)
		}
		want[n] = true
	}
	var out Catalog
	for _, ch := range c {
		if want[ch.Name] {
			out = append(out, ch)
		}
	}
	return out, nil
}

// ApplyChain folds img through every op of the chain, left to right. The
// first failing op discards the whole chain.
func ApplyChain(img *image.NRGBA, chain Chain, rng transform.Rand) (*image.NRGBA, []transform.Step, error) {
	steps := make([]transform.Step, 0, len(chain.Ops))
	cur := img
	for _, op := range chain.Ops {
		next, st, err := op.Apply(cur, rng)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		cur = next
		steps = append(steps, st)
	}
	if cur == img {
		// an empty chain still yields a fresh buffer
		cur = imaging.Clone(img)
	}
	return cur, steps, nil
}
