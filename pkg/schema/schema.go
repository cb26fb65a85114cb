// Package schema implements the table-name-to-file-number registry that
// sits atop a trie: a thin adapter reusing the trie's own key space
// under a reserved prefix, the way a small embedded-database wrapper
// layers named conveniences over a lower-level engine.
package schema

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/kael-ostra/ltriedb/pkg/trie"
)

const (
	tablePrefix    = "@ut"
	lastFileNumKey = "@@@@LastFileNumber"
)

// Schema maps table names to monotonically assigned 64-bit file numbers,
// backed by ordinary trie records under a reserved key prefix.
type Schema struct {
	tr   *trie.Trie
	root *trie.RootNode
}

// Open wraps an already-open trie as a schema adapter.
func Open(tr *trie.Trie) *Schema {
	return &Schema{tr: tr, root: tr.Root()}
}

// GetFileNameOrCreate returns the file number for name, assigning and
// persisting a fresh one on first use. Idempotent: repeated calls for
// the same name return the same number.
func (s *Schema) GetFileNameOrCreate(name string) (uint64, error) {
	key := tablePrefix + name

	existing, found, err := s.root.GetValue([]byte(key))
	if err != nil {
		return 0, errors.Wrapf(err, "looking up table %q", name)
	}
	if found {
		if len(existing) != 8 {
			return 0, errors.Errorf("table %q: corrupt file number record (%d bytes)", name, len(existing))
		}
		return binary.LittleEndian.Uint64(existing), nil
	}

	next, err := s.nextFileNumber()
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, next)
	if err := s.root.SetKey([]byte(key), buf); err != nil {
		return 0, errors.Wrapf(err, "creating table %q", name)
	}
	return next, nil
}

// GetLastFileNumber returns the current monotonic counter value, or 0
// if no table has ever been created.
func (s *Schema) GetLastFileNumber() (uint64, error) {
	val, found, err := s.root.GetValue([]byte(lastFileNumKey))
	if err != nil {
		return 0, errors.Wrap(err, "reading last file number")
	}
	if !found {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, errors.Errorf("corrupt last file number record (%d bytes)", len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

func (s *Schema) nextFileNumber() (uint64, error) {
	last, err := s.GetLastFileNumber()
	if err != nil {
		return 0, err
	}
	next := last + 1

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, next)
	if err := s.root.SetKey([]byte(lastFileNumKey), buf); err != nil {
		return 0, errors.Wrap(err, "advancing last file number")
	}
	return next, nil
}

// GetTables enumerates every registered table whose name begins with
// prefix, returning a map of name (with the reserved marker stripped)
// to its file number.
func (s *Schema) GetTables(prefix string) (map[string]uint64, error) {
	it, err := s.root.EnumerateStartWith([]byte(tablePrefix + prefix))
	if err != nil {
		return nil, errors.Wrap(err, "enumerating tables")
	}

	tables := make(map[string]uint64)
	for {
		row, err := it.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}

		val, err := row.Value(s.tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading file number for %q", row.Key)
		}
		if len(val) != 8 {
			return nil, errors.Errorf("table %q: corrupt file number record (%d bytes)", row.Key, len(val))
		}

		name := string(row.Key[len(tablePrefix):])
		tables[name] = binary.LittleEndian.Uint64(val)
	}
	return tables, nil
}
