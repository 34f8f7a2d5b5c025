package labels

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	l := ParseLine("  2 0.250000 0.500000 0.100000 0.200000 ")
	require.NotNil(t, l.Ann)
	assert.Equal(t, 2, l.Ann.ClassID)
	assert.InDelta(t, 0.25, l.Ann.XCenter, 1e-9)
	assert.InDelta(t, 0.5, l.Ann.YCenter, 1e-9)
	assert.InDelta(t, 0.1, l.Ann.Width, 1e-9)
	assert.InDelta(t, 0.2, l.Ann.Height, 1e-9)
	assert.Equal(t, "2 0.250000 0.500000 0.100000 0.200000", l.Raw)
}

func TestParseLineMalformed(t *testing.T) {
	for _, raw := range []string{
		"0 0.5 0.5 0.2",
		"0 0.5 0.5 0.2 0.3 0.9",
		"x 0.5 0.5 0.2 0.3",
		"0.0 0.2 0.5 0.1 0.1",
		"0 0.5 abc 0.2 0.3",
		"# comment",
	} {
		l := ParseLine(raw)
		assert.Nil(t, l.Ann, raw)
		assert.Equal(t, raw, l.Raw)
	}
}

func TestAnnotationString(t *testing.T) {
	a := Annotation{ClassID: 0, XCenter: 0.2, YCenter: 0.5, Width: 0.1, Height: 0.1}
	assert.Equal(t, "0 0.200000 0.500000 0.100000 0.100000", a.String())
	assert.Equal(t, "1 0.500000 0.500000 1.000000 1.000000", FullFrame(1).String())
}

func TestFromBoundsClips(t *testing.T) {
	a, ok := FromBounds(3, -0.2, 0.1, 0.4, 0.5)
	require.True(t, ok)
	assert.InDelta(t, 0.2, a.XCenter, 1e-9)
	assert.InDelta(t, 0.4, a.Width, 1e-9)
	assert.True(t, a.Valid())

	_, ok = FromBounds(3, 1.2, 0.1, 1.5, 0.5)
	assert.False(t, ok)
}

func TestParseKeepsOrderAndSkipsBlank(t *testing.T) {
	in := "1 0.1 0.1 0.1 0.1\n\n  \nbroken line\n0 0.9 0.9 0.1 0.1\n1 0.1 0.1 0.1 0.1\n"
	set, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, set, 4)
	assert.Equal(t, []string{"1 0.1 0.1 0.1 0.1", "broken line", "0 0.9 0.9 0.1 0.1", "1 0.1 0.1 0.1 0.1"}, set.Strings())
	assert.Len(t, set.Annotations(), 3)
}

func TestReadFileMissingIsEmpty(t *testing.T) {
	set, err := ReadFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	assert.Empty(t, set)
	assert.Equal(t, "\n", string(set.Bytes()))
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	set := Set{NewLine(Annotation{ClassID: 0, XCenter: 0.5, YCenter: 0.5, Width: 0.2, Height: 0.3}), ParseLine("odd")}
	require.NoError(t, set.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 0.500000 0.500000 0.200000 0.300000\nodd\n", string(data))

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, set.Strings(), back.Strings())
}

func TestClassesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ClassesFile)
	names := []string{"damaged_seat", "damaged_floor", "damaged_metal"}
	require.NoError(t, WriteClasses(path, names))

	got, err := ReadClasses(path)
	require.NoError(t, err)
	assert.Equal(t, names, got)
}

func TestLoadClassesFallback(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadClasses(filepath.Join(dir, "missing.txt"))
	require.NoError(t, err)
	assert.Equal(t, DefaultClasses, got)

	path := filepath.Join(dir, ClassesFile)
	require.NoError(t, WriteClasses(path, []string{"scratch"}))
	got, err = LoadClasses(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"scratch"}, got)
}
