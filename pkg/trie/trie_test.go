package trie

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kael-ostra/ltriedb/pkg/storage"
)

func openTestTrie(t *testing.T) (*Trie, string) {
	t.Helper()
	path := t.TempDir() + "/ltrie.db"
	s, err := storage.OpenFileStorage(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr, err := Open(s)
	require.NoError(t, err)
	return tr, path
}

func TestEmptyTrieHasZeroRecords(t *testing.T) {
	tr, _ := openTestTrie(t)
	require.EqualValues(t, 0, tr.Root().RecordCount())

	_, found, err := tr.Root().GetValue([]byte("anything"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetKeyThenGetValueRoundTrips(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("hello"), []byte("world")))

	val, found, err := root.GetValue([]byte("hello"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "world", string(val))
	require.EqualValues(t, 1, root.RecordCount())
}

func TestOverwriteDoesNotChangeRecordCount(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("k"), []byte("v1")))
	require.EqualValues(t, 1, root.RecordCount())

	require.NoError(t, root.SetKey([]byte("k"), []byte("v2-longer-value")))
	require.EqualValues(t, 1, root.RecordCount())

	val, found, err := root.GetValue([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2-longer-value", string(val))
}

func TestOverwriteShrinkingValueKeepsSlack(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("k"), []byte("a long original value")))
	require.NoError(t, root.SetKey([]byte("k"), []byte("short")))

	val, found, err := root.GetValue([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "short", string(val))
}

func TestSharedPrefixKeysSplitCorrectly(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("team"), []byte("1")))
	require.NoError(t, root.SetKey([]byte("teapot"), []byte("2")))
	require.NoError(t, root.SetKey([]byte("tea"), []byte("3")))

	for key, want := range map[string]string{"team": "1", "teapot": "2", "tea": "3"} {
		val, found, err := root.GetValue([]byte(key))
		require.NoError(t, err)
		require.Truef(t, found, "key %q", key)
		require.Equal(t, want, string(val))
	}
	require.EqualValues(t, 3, root.RecordCount())
}

func TestOneKeyPrefixOfAnother(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("tea"), []byte("short")))
	require.NoError(t, root.SetKey([]byte("teapot"), []byte("long")))

	val, found, err := root.GetValue([]byte("tea"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "short", string(val))

	val, found, err = root.GetValue([]byte("teapot"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "long", string(val))
}

func TestDeleteKeyRemovesRecordOnly(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("a"), []byte("1")))
	require.NoError(t, root.SetKey([]byte("ab"), []byte("2")))

	deleted, err := root.DeleteKey([]byte("a"))
	require.NoError(t, err)
	require.True(t, deleted)
	require.EqualValues(t, 1, root.RecordCount())

	_, found, err := root.GetValue([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	val, found, err := root.GetValue([]byte("ab"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(val))
}

func TestDeleteAbsentKeyIsNoop(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	require.NoError(t, root.SetKey([]byte("a"), []byte("1")))
	deleted, err := root.DeleteKey([]byte("nope"))
	require.NoError(t, err)
	require.False(t, deleted)
	require.EqualValues(t, 1, root.RecordCount())
}

func TestReopenAfterFlushPreservesRecords(t *testing.T) {
	path := t.TempDir() + "/reload.db"
	s, err := storage.OpenFileStorage(path)
	require.NoError(t, err)

	tr, err := Open(s)
	require.NoError(t, err)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("x"), []byte("1")))
	require.NoError(t, root.SetKey([]byte("y"), []byte("2")))
	require.NoError(t, tr.Flush())
	require.NoError(t, s.Close())

	s2, err := storage.OpenFileStorage(path)
	require.NoError(t, err)
	defer s2.Close()

	tr2, err := Open(s2)
	require.NoError(t, err)
	root2 := tr2.Root()
	require.EqualValues(t, 2, root2.RecordCount())

	val, found, err := root2.GetValue([]byte("x"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(val))
}

func TestFindBestMatchNoLink(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("@utIndexProgress"), []byte("v")))

	m, err := root.FindBestMatch([]byte("POFwoinfOWu"))
	require.NoError(t, err)
	require.False(t, m.HasValue)
}

func TestFindBestMatchExactKeyHasLink(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("@utTestTa"), []byte("v")))

	m, err := root.FindBestMatch([]byte("@utTestTa"))
	require.NoError(t, err)
	require.True(t, m.HasValue)
	require.Equal(t, []byte("v"), mustValue(t, root.t, m.Row))
}

func TestFindBestMatchMidPathHasNoLink(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("@utTestTa"), []byte("v")))

	m, err := root.FindBestMatch([]byte("@utTestT"))
	require.NoError(t, err)
	require.False(t, m.HasValue)
}

func TestFindBestMatchStoredKeyIsPrefixOfNeedle(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("@utIndexProgress"), []byte("v")))

	m, err := root.FindBestMatch([]byte("@utIndexProgressss"))
	require.NoError(t, err)
	require.True(t, m.HasValue)
}

func mustValue(t *testing.T, tr *Trie, row *Row) []byte {
	t.Helper()
	val, err := row.Value(tr)
	require.NoError(t, err)
	return val
}

func TestEnumerateStartWithOrderingAndCompleteness(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	keys := []string{"@utA", "@utB", "@utAA", "@utABC", "@utC", "other"}
	for _, k := range keys {
		require.NoError(t, root.SetKey([]byte(k), []byte("v-"+k)))
	}

	it, err := root.EnumerateStartWith([]byte("@ut"))
	require.NoError(t, err)

	var got []string
	for {
		row, err := it.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		got = append(got, string(row.Key))
	}

	require.Equal(t, []string{"@utA", "@utAA", "@utABC", "@utB", "@utC"}, got)
}

func TestEnumerateStartWithEmptyPrefixMatchesRecordCount(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()

	for i := 0; i < 20; i++ {
		require.NoError(t, root.SetKey([]byte(fmt.Sprintf("key-%02d", i)), []byte("v")))
	}

	it, err := root.EnumerateStartWith(nil)
	require.NoError(t, err)

	count := 0
	for {
		row, err := it.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		count++
	}
	require.EqualValues(t, root.RecordCount(), count)
}

func TestEnumerateStartWithNoMatchesIsEmpty(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("abc"), []byte("v")))

	it, err := root.EnumerateStartWith([]byte("xyz"))
	require.NoError(t, err)
	row, err := it.Next()
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestEnumeratorInvalidatedByMutation(t *testing.T) {
	tr, _ := openTestTrie(t)
	root := tr.Root()
	require.NoError(t, root.SetKey([]byte("a"), []byte("1")))
	require.NoError(t, root.SetKey([]byte("b"), []byte("2")))

	it, err := root.EnumerateStartWith(nil)
	require.NoError(t, err)

	require.NoError(t, root.SetKey([]byte("c"), []byte("3")))

	_, err = it.Next()
	require.Error(t, err)
}

// TestStressRandomKeysSurviveReload exercises 500 random keys across a
// reload, then overwrites and truncates a subset without disturbing
// unrelated records — the stress scenario spec.md §8 calls for.
func TestStressRandomKeysSurviveReload(t *testing.T) {
	path := t.TempDir() + "/stress.db"
	s, err := storage.OpenFileStorage(path)
	require.NoError(t, err)

	tr, err := Open(s)
	require.NoError(t, err)
	root := tr.Root()

	rng := rand.New(rand.NewSource(1))
	keys := make([]string, 0, 500)
	values := make(map[string]string, 500)
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key-%d-%d", i, rng.Intn(1000))
		v := fmt.Sprintf("value-%d", rng.Intn(1_000_000))
		keys = append(keys, k)
		values[k] = v
		require.NoError(t, root.SetKey([]byte(k), []byte(v)))
	}

	require.NoError(t, tr.Flush())
	require.NoError(t, s.Close())

	s2, err := storage.OpenFileStorage(path)
	require.NoError(t, err)
	defer s2.Close()

	tr2, err := Open(s2)
	require.NoError(t, err)
	root2 := tr2.Root()
	require.EqualValues(t, len(values), root2.RecordCount())

	for k, v := range values {
		got, found, err := root2.GetValue([]byte(k))
		require.NoError(t, err)
		require.Truef(t, found, "key %q", k)
		require.Equal(t, v, string(got))
	}

	// Overwrite and shrink a subset; unrelated keys must survive intact.
	for i, k := range keys {
		if i%7 != 0 {
			continue
		}
		newVal := "x"
		values[k] = newVal
		require.NoError(t, root2.SetKey([]byte(k), []byte(newVal)))
	}

	for k, v := range values {
		got, found, err := root2.GetValue([]byte(k))
		require.NoError(t, err)
		require.Truef(t, found, "key %q", k)
		require.Equal(t, v, string(got))
	}
	require.EqualValues(t, len(values), root2.RecordCount())
}
