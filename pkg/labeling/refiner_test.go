package labeling

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
	"github.com/Tr1pa/Dataset-Generator/pkg/types"
)

type fakeVision struct {
	loc     *types.Localization
	err     error
	prompts []string
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a subway car", nil
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.Localization, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	loc := *f.loc
	return &loc, nil
}

// createTestImage creates a simple test image
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	return img
}

func newTestRefiner(v *fakeVision) *Refiner {
	opts := DefaultOptions()
	opts.Logger = log.New(io.Discard, "", 0)
	return NewRefiner(v, opts)
}

func fullFrame(classID int) labels.Set {
	return labels.Set{labels.NewLine(labels.FullFrame(classID))}
}

func TestRefineSetReplacesFullFrame(t *testing.T) {
	v := &fakeVision{loc: &types.Localization{Label: "damaged_seat", Confidence: 0.8, Box: types.Box{X: 0.1, Y: 0.2, W: 0.4, H: 0.2}}}
	r := newTestRefiner(v)

	out, changed, err := r.RefineSet(context.Background(), createTestImage(40, 30), fullFrame(0), "damaged_seat")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"0 0.300000 0.300000 0.400000 0.200000"}, out.Strings())
	require.Len(t, v.prompts, 1)
	assert.Contains(t, v.prompts[0], `"damaged_seat"`)
	assert.NotContains(t, v.prompts[0], "%s")
}

func TestRefineSetKeeps(t *testing.T) {
	tests := []struct {
		name string
		loc  types.Localization
		set  labels.Set
	}{
		{"low confidence", types.Localization{Label: "damaged_seat", Confidence: 0.3, Box: types.Box{W: 0.5, H: 0.5}}, fullFrame(0)},
		{"none", types.Localization{Label: "none", Confidence: 0.9, Box: types.Box{W: 0.5, H: 0.5}}, fullFrame(0)},
		{"fallback marker", types.Localization{Label: "damaged_seat", Confidence: 0.9, Box: types.Box{W: 0.5, H: 0.5}, Description: "parse error"}, fullFrame(0)},
		{"full frame answer", types.Localization{Label: "damaged_seat", Confidence: 0.9, Box: types.Box{W: 1, H: 1}}, fullFrame(0)},
		{"already tight", types.Localization{Label: "damaged_seat", Confidence: 0.9, Box: types.Box{W: 0.5, H: 0.5}}, labels.Set{labels.ParseLine("0 0.5 0.5 0.2 0.2")}},
		{"two boxes", types.Localization{Label: "damaged_seat", Confidence: 0.9, Box: types.Box{W: 0.5, H: 0.5}}, append(fullFrame(0), fullFrame(1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := tt.loc
			r := newTestRefiner(&fakeVision{loc: &loc})
			out, changed, err := r.RefineSet(context.Background(), createTestImage(10, 10), tt.set, "damaged_seat")
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, tt.set, out)
		})
	}
}

func TestNormalizeBox(t *testing.T) {
	assert.Equal(t, types.Box{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}, normalizeBox(types.Box{X: 10, Y: 20, W: 30, H: 40}))
	b := normalizeBox(types.Box{X: 0.8, Y: -0.1, W: 0.5, H: 0.5})
	assert.Equal(t, 0.8, b.X)
	assert.Equal(t, 0.0, b.Y)
	assert.InDelta(t, 0.2, b.W, 1e-9)
}

func TestRefineDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "damaged_floor"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "labels"), 0o755))
	for _, stem := range []string{"a", "b"} {
		f, err := os.Create(filepath.Join(root, "damaged_floor", stem+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, createTestImage(20, 20)))
		require.NoError(t, f.Close())
	}
	require.NoError(t, fullFrame(1).WriteFile(filepath.Join(root, "labels", "a.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "labels", "b.txt"), []byte("1 0.5 0.5 0.3 0.3\n"), 0o644))

	v := &fakeVision{loc: &types.Localization{Label: "damaged_floor", Confidence: 0.9, Box: types.Box{X: 0, Y: 0.5, W: 1, H: 0.5}}}
	stats, err := newTestRefiner(v).RefineDir(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, Stats{Checked: 2, Refined: 1, Skipped: 1}, stats)

	data, err := os.ReadFile(filepath.Join(root, "labels", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 0.500000 0.750000 1.000000 0.500000\n", string(data))

	data, err = os.ReadFile(filepath.Join(root, "labels", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 0.5 0.5 0.3 0.3\n", string(data))
}

func TestRefineDirModelError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "damaged_metal"), 0o755))
	f, err := os.Create(filepath.Join(root, "damaged_metal", "x.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, createTestImage(8, 8)))
	require.NoError(t, f.Close())
	require.NoError(t, os.MkdirAll(filepath.Join(root, "labels"), 0o755))
	require.NoError(t, fullFrame(2).WriteFile(filepath.Join(root, "labels", "x.txt")))

	stats, err := newTestRefiner(&fakeVision{err: errors.New("offline")}).RefineDir(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	data, err := os.ReadFile(filepath.Join(root, "labels", "x.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "2 0.500000 0.500000 1.000000 1.000000"))
}

func TestTestVision(t *testing.T) {
	out, err := newTestRefiner(&fakeVision{}).TestVision(context.Background(), createTestImage(4, 4))
	require.NoError(t, err)
	assert.Equal(t, "a subway car", out)
}
