package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"manifest":{"name":"@eu/clp-basic"}}`)
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))
	assert.Len(t, hash, len("sha256:")+64)

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, strings.TrimPrefix(hash, "sha256:")+".blob", entries[0].Name())
}

func TestFileStore_DeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "blobs"))
	require.NoError(t, err)

	hash, err := s.Put(ctx, []byte("bundle"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, hash))
	require.NoError(t, s.Delete(ctx, hash), "deleting twice is not an error")

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_InvalidHash(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, h := range []string{
		"",
		"abc",
		"md5:" + strings.Repeat("a", 64),
		"sha256:" + strings.Repeat("z", 64),
		"sha256:../../etc/passwd",
	} {
		_, err := s.Get(ctx, h)
		assert.ErrorIs(t, err, ErrInvalidHash, h)
		_, err = s.Exists(ctx, h)
		assert.ErrorIs(t, err, ErrInvalidHash, h)
		assert.ErrorIs(t, s.Delete(ctx, h), ErrInvalidHash, h)
	}
}

func TestFileStore_CancelledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
