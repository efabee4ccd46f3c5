package generators

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\nrest-of-image")

func TestImageStoreSaveAndLookup(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir, "/images/", 10, 0)
	require.NoError(t, store.Initialize(context.Background()))

	_, ok := store.Lookup("abc")
	assert.False(t, ok)

	url, err := store.Save(context.Background(), "abc", pngHeader, "a fox")
	require.NoError(t, err)
	assert.Equal(t, "/images/abc.png", url)
	assert.FileExists(t, filepath.Join(dir, "abc.png"))
	assert.FileExists(t, filepath.Join(dir, "abc.meta"))

	got, ok := store.Lookup("abc")
	assert.True(t, ok)
	assert.Equal(t, url, got)

	stats := store.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, int64(len(pngHeader)), stats.TotalSize)
}

func TestImageStoreRejectsEmpty(t *testing.T) {
	store := NewImageStore(t.TempDir(), "/images", 10, 0)
	_, err := store.Save(context.Background(), "k", nil, "")
	assert.Error(t, err)
}

func TestImageStoreReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	first := NewImageStore(dir, "/images", 10, 0)
	_, err := first.Save(context.Background(), "keep", pngHeader, "p")
	require.NoError(t, err)

	second := NewImageStore(dir, "/images", 10, 0)
	require.NoError(t, second.Initialize(context.Background()))

	url, ok := second.Lookup("keep")
	assert.True(t, ok)
	assert.Equal(t, "/images/keep.png", url)
}

func TestImageStoreEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir, "/images", 2, 0)
	ctx := context.Background()

	_, err := store.Save(ctx, "a", pngHeader, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.Save(ctx, "b", pngHeader, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	_, ok := store.Lookup("a")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	_, err = store.Save(ctx, "c", pngHeader, "")
	require.NoError(t, err)

	_, ok = store.Lookup("b")
	assert.False(t, ok, "b was the least recently used entry")
	assert.NoFileExists(t, filepath.Join(dir, "b.meta"))
	assert.FileExists(t, filepath.Join(dir, "b.png"), "pages may still link to b")

	_, ok = store.Lookup("a")
	assert.True(t, ok)
	_, ok = store.Lookup("c")
	assert.True(t, ok)
}

func TestImageStoreExpiry(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir, "/images", 10, 10*time.Millisecond)
	ctx := context.Background()

	_, err := store.Save(ctx, "old", pngHeader, "")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, store.CleanExpired(ctx))
	_, ok := store.Lookup("old")
	assert.False(t, ok)

	_, statErr := os.Stat(filepath.Join(dir, "old.meta"))
	assert.True(t, os.IsNotExist(statErr))
	assert.FileExists(t, filepath.Join(dir, "old.png"))

	second := NewImageStore(dir, "/images", 10, 10*time.Millisecond)
	require.NoError(t, second.Initialize(ctx))
	assert.Equal(t, 0, second.GetStats().TotalEntries)
}

func TestImageStoreKeepsFilesOfForgottenKeys(t *testing.T) {
	dir := t.TempDir()
	store := NewImageStore(dir, "/images", 1, 0)
	ctx := context.Background()

	first, err := store.Save(ctx, "k1", pngHeader, "page one")
	require.NoError(t, err)
	_, err = store.Save(ctx, "k2", pngHeader, "page two")
	require.NoError(t, err)

	_, ok := store.Lookup("k1")
	assert.False(t, ok)
	assert.Equal(t, "/images/k1.png", first)
	_, statErr := os.Stat(filepath.Join(dir, "k1.png"))
	assert.NoError(t, statErr, "the page-1 URL must keep resolving")
}

func TestImageStoreUnboundedByDefault(t *testing.T) {
	store := NewImageStore(t.TempDir(), "/images", 0, 0)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := store.Save(ctx, key, pngHeader, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 4, store.GetStats().TotalEntries)
	assert.Equal(t, 0, store.CleanExpired(ctx))
}
