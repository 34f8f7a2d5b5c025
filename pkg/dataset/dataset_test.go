package dataset

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tr1pa/Dataset-Generator/pkg/labels"
)

func makePairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Image: fmt.Sprintf("img_%03d.jpg", i), Label: fmt.Sprintf("img_%03d.txt", i)}
	}
	return pairs
}

func TestSplitDeterminism(t *testing.T) {
	pairs := makePairs(50)
	trainA, valA := Split(pairs, 0.8, 42)
	trainB, valB := Split(pairs, 0.8, 42)

	assert.Equal(t, trainA, trainB)
	assert.Equal(t, valA, valB)
	assert.Len(t, trainA, 40)
	assert.Len(t, valA, 10)
	assert.Equal(t, makePairs(50), pairs, "input must not be reordered")

	trainC, _ := Split(pairs, 0.8, 7)
	assert.NotEqual(t, trainA, trainC)
}

func TestSplitPartitions(t *testing.T) {
	pairs := makePairs(13)
	train, val := Split(pairs, 0.8, 1)
	assert.Len(t, train, 10)
	assert.Len(t, val, 3)

	seen := map[string]bool{}
	for _, p := range append(append([]Pair(nil), train...), val...) {
		assert.False(t, seen[p.Image], "duplicate %s", p.Image)
		seen[p.Image] = true
	}
	assert.Len(t, seen, 13)

	train, val = Split(pairs, 1.5, 1)
	assert.Len(t, train, 13)
	assert.Empty(t, val)
}

// writeAugmented lays out root/images and root/labels like the augment stage does
func writeAugmented(t *testing.T, root string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "labels"), 0o755))
	for i := 0; i < n; i++ {
		stem := fmt.Sprintf("s_%02d", i)
		require.NoError(t, os.WriteFile(filepath.Join(root, "images", stem+".jpg"), []byte("jpeg"), 0o644))
		label := fmt.Sprintf("%d 0.5 0.5 0.2 0.2\n", i%3)
		require.NoError(t, os.WriteFile(filepath.Join(root, "labels", stem+".txt"), []byte(label), 0o644))
	}
	// an unlabeled image is skipped
	require.NoError(t, os.WriteFile(filepath.Join(root, "images", "orphan.png"), []byte("png"), 0o644))
}

func TestCollectPairs(t *testing.T) {
	root := t.TempDir()
	writeAugmented(t, root, 4)

	pairs, missing, err := CollectPairs(filepath.Join(root, "images"), filepath.Join(root, "labels"))
	require.NoError(t, err)
	assert.Equal(t, 1, missing)
	require.Len(t, pairs, 4)
	assert.Equal(t, Pair{Image: "s_00.jpg", Label: "s_00.txt"}, pairs[0])

	_, _, err = CollectPairs(filepath.Join(root, "nope"), root)
	assert.True(t, errors.Is(err, ErrNoImages))
}

func TestBuild(t *testing.T) {
	src, out := t.TempDir(), t.TempDir()
	writeAugmented(t, src, 10)
	require.NoError(t, labels.WriteClasses(filepath.Join(src, labels.ClassesFile), []string{"a", "b", "c"}))

	opts := DefaultOptions()
	opts.ImagesDir = filepath.Join(src, "images")
	opts.LabelsDir = filepath.Join(src, "labels")
	opts.OutputDir = out
	opts.Logger = log.New(io.Discard, "", 0)

	res, err := Build(opts)
	require.NoError(t, err)
	assert.Len(t, res.Train, 8)
	assert.Len(t, res.Val, 2)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, []string{"a", "b", "c"}, res.Classes)

	total := 0
	for _, counts := range []map[int]int{res.Counts.Train, res.Counts.Val} {
		for _, n := range counts {
			total += n
		}
	}
	assert.Equal(t, 10, total)

	for _, p := range res.Val {
		assert.FileExists(t, filepath.Join(out, "val", "images", p.Image))
		assert.FileExists(t, filepath.Join(out, "val", "labels", p.Label))
	}
	entries, err := os.ReadDir(filepath.Join(out, "train", "images"))
	require.NoError(t, err)
	assert.Len(t, entries, 8)

	m, err := ReadManifest(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, "train/images", m.Train)
	assert.Equal(t, "val/images", m.Val)
	assert.True(t, filepath.IsAbs(m.Path))
	assert.Equal(t, []string{"a", "b", "c"}, m.ClassNames())
	assert.Contains(t, res.Summary(), "train: 8")
}

func TestBuildDefaultsClasses(t *testing.T) {
	src, out := t.TempDir(), t.TempDir()
	writeAugmented(t, src, 3)

	res, err := Build(Options{
		ImagesDir: filepath.Join(src, "images"),
		LabelsDir: filepath.Join(src, "labels"),
		OutputDir: out,
		Ratio:     0.8,
		Seed:      42,
		Logger:    log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	assert.Equal(t, labels.DefaultClasses, res.Classes)

	data, err := os.ReadFile(filepath.Join(out, ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "train: train/images")
	assert.Contains(t, string(data), "  0: damaged_seat")
}

func TestBuildNoPairs(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "images"), 0o755))
	_, err := Build(Options{ImagesDir: filepath.Join(src, "images"), LabelsDir: filepath.Join(src, "labels"), OutputDir: t.TempDir(), Ratio: 0.8})
	assert.True(t, errors.Is(err, ErrNoImages))
}
