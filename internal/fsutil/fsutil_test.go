package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "out.csv")
	err := WriteAtomic(path, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, "x,y\r\n")
		return err
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x,y\r\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should not linger")
}

func TestWriteAtomicFailureKeepsPreviousContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	boom := errors.New("boom")
	err := WriteAtomic(path, 0o644, func(w io.Writer) error {
		_, _ = io.WriteString(w, "half")
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWithinDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join("tmp", "scratch")
	assert.True(t, WithinDir(base, filepath.Join(base, "a.csv")))
	assert.True(t, WithinDir(base, filepath.Join(base, "x", "..", "b.csv")))
	assert.False(t, WithinDir(base, filepath.Join(base, "..", "evil.csv")))
	assert.False(t, WithinDir(base, base))
	assert.False(t, WithinDir(base, base+"-sibling/a.csv"))
}
