package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStem(t *testing.T) {
	assert.Equal(t, "damaged_seat_0001", Stem("/a/b/damaged_seat_0001.jpg"))
	assert.Equal(t, "x.tar", Stem("x.tar.gz"))
	assert.Equal(t, "noext", Stem("noext"))
}

func TestIsImageFile(t *testing.T) {
	for _, name := range []string{"a.jpg", "b.JPEG", "c.png", "d.webp"} {
		assert.True(t, IsImageFile(name), name)
	}
	for _, name := range []string{"a.txt", "b", "c.gif"} {
		assert.False(t, IsImageFile(name), name)
	}
}

func TestListHelpers(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"damaged_seat", "damaged_floor", "labels", "other"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, d), 0o755))
	}
	for _, f := range []string{"b.jpg", "a.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644))
	}

	dirs, err := ListSubdirs(dir, "damaged_")
	require.NoError(t, err)
	assert.Equal(t, []string{"damaged_floor", "damaged_seat"}, dirs)

	dirs, err = ListSubdirs(dir, "", "labels")
	require.NoError(t, err)
	assert.Equal(t, []string{"damaged_floor", "damaged_seat", "other"}, dirs)

	files, err := ListImageFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg"}, files)

	assert.Equal(t, 1, CountFiles(dir, ".jpg"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("hello"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("world"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.True(t, FileExists(dst))
	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(dst))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "1.5 KB", FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", FormatFileSize(2*1024*1024))
}
