package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kael-ostra/ltriedb/pkg/storage"
)

func newTestStorage(t *testing.T, initialSize int) *storage.FileByteStorage {
	t.Helper()
	path := t.TempDir() + "/cache.db"
	s, err := storage.OpenFileStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if initialSize > 0 {
		_, err := s.Reserve(uint64(initialSize))
		require.NoError(t, err)
	}
	return s
}

// TestCacheReadThrough mirrors the spec's scenario #1: writing directly to
// storage must be visible through the cache, touching exactly the pages
// the requested range spans.
func TestCacheReadThrough(t *testing.T) {
	s := newTestStorage(t, 1030)
	require.NoError(t, s.Write(125, []byte("abcdefgh")))

	pc, err := New(s, 128)
	require.NoError(t, err)

	got := make([]byte, 8)
	require.NoError(t, pc.Read(125, got))
	require.Equal(t, "abcdefgh", string(got))
	require.Equal(t, 2, pc.pages.Len()) // [125,128) on page 0, [128,133) on page 1
}

// TestCacheWriteBack mirrors scenario #2: a write through the cache is
// visible via the cache immediately, but the backing store only sees it
// after Flush.
func TestCacheWriteBack(t *testing.T) {
	s := newTestStorage(t, 1030)
	require.NoError(t, s.Write(125, []byte("abcdefgh")))

	pc, err := New(s, 128)
	require.NoError(t, err)

	require.NoError(t, pc.Write(127, []byte("CDEF")))

	got := make([]byte, 8)
	require.NoError(t, pc.Read(125, got))
	require.Equal(t, "abCDEFgh", string(got))

	fromStorage := make([]byte, 8)
	require.NoError(t, s.Read(125, fromStorage))
	require.Equal(t, "abcdefgh", string(fromStorage))

	require.NoError(t, pc.Flush())

	require.NoError(t, s.Read(125, fromStorage))
	require.Equal(t, "abCDEFgh", string(fromStorage))
}

// TestCacheAppendThroughCache mirrors scenario #3: WriteToEnd advances the
// cache's logical length ahead of the backing store until Flush.
func TestCacheAppendThroughCache(t *testing.T) {
	s := newTestStorage(t, 1030)
	pc, err := New(s, 128)
	require.NoError(t, err)

	_, err = pc.WriteToEnd([]byte("helloworld"))
	require.NoError(t, err)
	_, err = pc.WriteToEnd([]byte("abdwuqiwiw"))
	require.NoError(t, err)

	require.EqualValues(t, 1050, pc.Length())
	require.EqualValues(t, 1030, s.Length())

	require.NoError(t, pc.Flush())

	require.EqualValues(t, 1050, s.Length())
	tail := make([]byte, 20)
	require.NoError(t, s.Read(1030, tail))
	require.Equal(t, "helloworldabdwuqiwiw", string(tail))
}

func TestCacheReadPastLengthFails(t *testing.T) {
	s := newTestStorage(t, 16)
	pc, err := New(s, 8)
	require.NoError(t, err)

	buf := make([]byte, 32)
	require.Error(t, pc.Read(0, buf))
}

// TestCacheBoundedEvictionFlushesDirtyPages verifies that a bounded cache
// (NewBounded) never loses a write on eviction: an evicted dirty page must
// have reached the backing store first.
func TestCacheBoundedEvictionFlushesDirtyPages(t *testing.T) {
	s := newTestStorage(t, 0)
	pc, err := NewBounded(s, 64, 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := pc.WriteToEnd(make([]byte, 64))
		require.NoError(t, err)
	}
	require.NoError(t, pc.Write(0, []byte("evicted-but-durable")))

	// Force eviction of page 0 by touching many more pages than the
	// capacity allows.
	for i := 0; i < 10; i++ {
		_, err := pc.WriteToEnd(make([]byte, 64))
		require.NoError(t, err)
	}

	fromStorage := make([]byte, len("evicted-but-durable"))
	require.NoError(t, s.Read(0, fromStorage))
	require.Equal(t, "evicted-but-durable", string(fromStorage))
}
