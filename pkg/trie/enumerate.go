package trie

import (
	"bytes"

	"github.com/pkg/errors"
)

// EnumRow is one record surfaced by an EnumIterator: its full key, the
// offset of the owning leaf, and enough to fetch its value bytes lazily.
type EnumRow struct {
	Key          []byte
	Pointer      uint64
	ValuePointer uint64
	ValueLength  uint64
}

// Value fetches this row's value bytes on demand.
func (row *EnumRow) Value(t *Trie) ([]byte, error) {
	return t.ReadValue(row.ValuePointer, row.ValueLength)
}

// enumFrame is one pending internal node in the DFS stack: prefix is the
// full key bytes consumed to reach it, emittedLink tracks whether its
// own link-to-value record has been surfaced yet, and nextChildIdx is
// the next child to descend into.
type enumFrame struct {
	node         *internalNode
	prefix       []byte
	emittedLink  bool
	nextChildIdx int
}

// EnumIterator produces records whose keys begin with a requested prefix
// in ascending lexicographic order. It is a pull-based, single-threaded
// iterator: key bytes are resolved eagerly as the DFS descends, but
// value bytes are only fetched when the caller calls EnumRow.Value.
//
// An iterator is invalidated by any mutation on the trie that created
// it (SetKey/DeleteKey bump the generation counter); Next reports that
// as an error rather than returning stale or inconsistent data.
type EnumIterator struct {
	t          *Trie
	generation uint64
	stack      []*enumFrame
	pending    *EnumRow
	err        error
}

// EnumerateStartWith returns an iterator over every record whose key
// begins with prefix, in ascending order.
func (r *RootNode) EnumerateStartWith(prefix []byte) (*EnumIterator, error) {
	t := r.t
	if err := t.checkPoisoned(); err != nil {
		return nil, err
	}
	gen, err := t.readGeneration()
	if err != nil {
		return nil, err
	}

	it := &EnumIterator{t: t, generation: gen.Counter}

	cur := t.rootOffset
	depth := 0
	for {
		node, err := t.readInternal(cur)
		if err != nil {
			return nil, err
		}

		if depth == len(prefix) {
			it.stack = []*enumFrame{{node: node, prefix: append([]byte(nil), prefix...)}}
			return it, nil
		}

		b := prefix[depth]
		child, _, found := node.find(b)
		if !found {
			return it, nil // no matches; stack stays empty
		}

		tag, err := t.readTag(child.Ptr)
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagInternal:
			cur = child.Ptr
			depth++
		case tagLeaf:
			leaf, err := t.readLeaf(child.Ptr)
			if err != nil {
				return nil, err
			}
			remaining := prefix[depth+1:]
			if len(leaf.Key) >= len(remaining) && bytes.Equal(leaf.Key[:len(remaining)], remaining) {
				fullKey := append(append([]byte(nil), prefix[:depth+1]...), leaf.Key...)
				it.pending = &EnumRow{
					Key:          fullKey,
					Pointer:      child.Ptr,
					ValuePointer: leaf.valueOffset,
					ValueLength:  uint64(len(leaf.Value)),
				}
			}
			return it, nil
		default:
			return nil, t.poison(errors.Wrapf(ErrCorrupt, "offset %d: unexpected tag %#x", child.Ptr, tag))
		}
	}
}

// Next returns the next record in order, or (nil, nil) once exhausted.
func (it *EnumIterator) Next() (*EnumRow, error) {
	if it.err != nil {
		return nil, it.err
	}
	if err := it.checkGeneration(); err != nil {
		it.err = err
		return nil, err
	}

	if it.pending != nil {
		row := it.pending
		it.pending = nil
		return row, nil
	}

	for len(it.stack) > 0 {
		top := it.stack[len(it.stack)-1]

		if !top.emittedLink {
			top.emittedLink = true
			if top.node.LinkValue != 0 {
				leaf, err := it.t.readLeaf(top.node.LinkValue)
				if err != nil {
					it.err = err
					return nil, err
				}
				return &EnumRow{
					Key:          append([]byte(nil), top.prefix...),
					Pointer:      top.node.LinkValue,
					ValuePointer: leaf.valueOffset,
					ValueLength:  uint64(len(leaf.Value)),
				}, nil
			}
		}

		if top.nextChildIdx >= len(top.node.Children) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}

		child := top.node.Children[top.nextChildIdx]
		top.nextChildIdx++

		tag, err := it.t.readTag(child.Ptr)
		if err != nil {
			it.err = err
			return nil, err
		}

		childPrefix := append(append([]byte(nil), top.prefix...), child.Byte)

		switch tag {
		case tagInternal:
			node, err := it.t.readInternal(child.Ptr)
			if err != nil {
				it.err = err
				return nil, err
			}
			it.stack = append(it.stack, &enumFrame{node: node, prefix: childPrefix})
		case tagLeaf:
			leaf, err := it.t.readLeaf(child.Ptr)
			if err != nil {
				it.err = err
				return nil, err
			}
			return &EnumRow{
				Key:          append(childPrefix, leaf.Key...),
				Pointer:      child.Ptr,
				ValuePointer: leaf.valueOffset,
				ValueLength:  uint64(len(leaf.Value)),
			}, nil
		default:
			err := it.t.poison(errors.Wrapf(ErrCorrupt, "offset %d: unexpected tag %#x", child.Ptr, tag))
			it.err = err
			return nil, err
		}
	}

	return nil, nil
}

func (it *EnumIterator) checkGeneration() error {
	gen, err := it.t.readGeneration()
	if err != nil {
		return err
	}
	if gen.Counter != it.generation {
		return errors.New("ltrie: enumerator invalidated by a mutating operation")
	}
	return nil
}
