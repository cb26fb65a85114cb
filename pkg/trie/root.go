package trie

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// Row is a located value record: the offset of the leaf that owns it,
// and the absolute storage offset/length of its value bytes.
type Row struct {
	Pointer      uint64
	ValuePointer uint64
	ValueLength  uint64
}

// Value fetches the value bytes for this row on demand.
func (row *Row) Value(t *Trie) ([]byte, error) {
	return t.ReadValue(row.ValuePointer, row.ValueLength)
}

// ReadValue reads length bytes at offset through the page cache — the
// on-demand fetch half of the lazy enumeration contract.
func (t *Trie) ReadValue(offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if err := t.cache.Read(offset, buf); err != nil {
		return nil, errors.Wrapf(err, "reading value at %d", offset)
	}
	return buf, nil
}

// RootNode is the entry point for every trie operation: point lookup,
// insert/update, delete, best-prefix match, and ordered enumeration.
type RootNode struct {
	t *Trie
}

// RecordCount returns the number of reachable leaves.
func (r *RootNode) RecordCount() uint64 {
	return r.t.recordCount
}

// ReadGenerationNode returns the current generation counter.
func (r *RootNode) ReadGenerationNode() (uint64, error) {
	gen, err := r.t.readGeneration()
	if err != nil {
		return 0, err
	}
	return gen.Counter, nil
}

// GetRow walks the trie for key and returns its Row, or ErrNotFound.
func (r *RootNode) GetRow(key []byte) (*Row, error) {
	t := r.t
	if err := t.checkPoisoned(); err != nil {
		return nil, err
	}

	cur := t.rootOffset
	depth := 0
	for {
		node, err := t.readInternal(cur)
		if err != nil {
			return nil, err
		}

		if depth == len(key) {
			if node.LinkValue == 0 {
				return nil, ErrNotFound
			}
			leaf, err := t.readLeaf(node.LinkValue)
			if err != nil {
				return nil, err
			}
			return rowFromLeaf(node.LinkValue, leaf), nil
		}

		b := key[depth]
		child, _, found := node.find(b)
		if !found {
			return nil, ErrNotFound
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
			if !bytes.Equal(leaf.Key, key[depth+1:]) {
				return nil, ErrNotFound
			}
			return rowFromLeaf(child.Ptr, leaf), nil
		default:
			return nil, t.poison(errors.Wrapf(ErrCorrupt, "offset %d: unexpected tag %#x", child.Ptr, tag))
		}
	}
}

// GetKey is GetRow with a found flag instead of an ErrNotFound sentinel.
func (r *RootNode) GetKey(key []byte) (*Row, bool, error) {
	row, err := r.GetRow(key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// GetValue looks up key and reads its value bytes.
func (r *RootNode) GetValue(key []byte) ([]byte, bool, error) {
	row, found, err := r.GetKey(key)
	if err != nil || !found {
		return nil, found, err
	}
	val, err := row.Value(r.t)
	return val, true, err
}

func rowFromLeaf(offset uint64, leaf *leafNode) *Row {
	return &Row{Pointer: offset, ValuePointer: leaf.valueOffset, ValueLength: uint64(len(leaf.Value))}
}

// SetKey inserts or updates key to hold value. Overwriting an existing
// key never changes RecordCount; creating a new record increments it.
func (r *RootNode) SetKey(key, value []byte) error {
	t := r.t
	if err := t.checkPoisoned(); err != nil {
		return err
	}

	cur := t.rootOffset
	depth := 0
	var parent *internalNode
	var parentByte byte
	parentIsRoot := true

	for {
		node, err := t.readInternal(cur)
		if err != nil {
			return err
		}

		if depth == len(key) {
			return r.setLinkValue(node, value)
		}

		b := key[depth]
		child, idx, found := node.find(b)
		if !found {
			return r.insertNewChild(node, b, key[depth+1:], value, parent, parentByte, parentIsRoot)
		}

		tag, err := t.readTag(child.Ptr)
		if err != nil {
			return err
		}

		switch tag {
		case tagInternal:
			parent = node
			parentByte = b
			parentIsRoot = false
			cur = child.Ptr
			depth++
		case tagLeaf:
			return r.setAtLeaf(node, idx, key[depth+1:], value)
		default:
			return t.poison(errors.Wrapf(ErrCorrupt, "offset %d: unexpected tag %#x", child.Ptr, tag))
		}
	}
}

// setLinkValue handles SetKey when the key ends exactly at an internal
// node's depth: the record lives in node's LinkValue slot, a fixed
// header field that never needs relocation to rewrite.
func (r *RootNode) setLinkValue(node *internalNode, value []byte) error {
	t := r.t

	if node.LinkValue == 0 {
		leaf := newLeafNode(nil, value)
		offset, err := t.allocateLeaf(leaf)
		if err != nil {
			return err
		}
		node.LinkValue = offset
		if err := t.writeInternal(node); err != nil {
			return err
		}
		t.recordCount++
		if err := t.writeRootRecord(); err != nil {
			return err
		}
		return t.bumpGeneration()
	}

	leaf, err := t.readLeaf(node.LinkValue)
	if err != nil {
		return err
	}
	newOffset, err := r.overwriteOrRelocateLeaf(leaf, value)
	if err != nil {
		return err
	}
	if newOffset != node.LinkValue {
		node.LinkValue = newOffset
		if err := t.writeInternal(node); err != nil {
			return err
		}
	}
	return t.bumpGeneration()
}

// insertNewChild handles SetKey Case B: byte b is absent from node's
// children. node may need relocating if it has no slack; the pointer
// that leads to node (parent's child slot, or the root record) is
// rewritten to follow.
func (r *RootNode) insertNewChild(node *internalNode, b byte, suffix, value []byte, parent *internalNode, parentByte byte, parentIsRoot bool) error {
	t := r.t

	leaf := newLeafNode(suffix, value)
	leafOffset, err := t.allocateLeaf(leaf)
	if err != nil {
		return err
	}

	idx := node.insertSortedPosition(b)
	newEntry := childEntry{Byte: b, Ptr: leafOffset}

	if node.hasSlack() {
		node.Children = insertChildAt(node.Children, idx, newEntry)
		if err := t.writeInternal(node); err != nil {
			return err
		}
	} else {
		capacity := node.Capacity * 2
		if capacity > 255 {
			capacity = 255 // the on-disk capacity field is a single byte
		}
		grown := &internalNode{LinkValue: node.LinkValue, Capacity: capacity}
		grown.Children = insertChildAt(append([]childEntry(nil), node.Children...), idx, newEntry)
		newOffset, err := t.allocateInternal(grown)
		if err != nil {
			return err
		}
		if err := r.rewritePointerToNode(newOffset, parent, parentByte, parentIsRoot); err != nil {
			return err
		}
	}

	t.recordCount++
	if err := t.writeRootRecord(); err != nil {
		return err
	}
	return t.bumpGeneration()
}

func (r *RootNode) rewritePointerToNode(newOffset uint64, parent *internalNode, parentByte byte, parentIsRoot bool) error {
	t := r.t
	if parentIsRoot {
		t.rootOffset = newOffset
		return t.writeRootRecord()
	}

	_, idx, found := parent.find(parentByte)
	if !found {
		return t.poison(errors.Wrap(ErrCorrupt, "parent lost its child pointer during relocation"))
	}
	parent.Children[idx].Ptr = newOffset
	return t.writeInternal(parent)
}

// setAtLeaf handles SetKey when descent reaches a leaf: either an exact
// key match (Case A, overwrite/relocate) or a divergence inside the
// leaf's stored suffix (Case C, split). Either way only node's existing
// child slot idx is rewritten — node itself never needs relocating.
func (r *RootNode) setAtLeaf(node *internalNode, idx int, suffix, value []byte) error {
	t := r.t
	childPtr := node.Children[idx].Ptr

	leaf, err := t.readLeaf(childPtr)
	if err != nil {
		return err
	}

	if bytes.Equal(leaf.Key, suffix) {
		newOffset, err := r.overwriteOrRelocateLeaf(leaf, value)
		if err != nil {
			return err
		}
		if newOffset != leaf.Offset {
			node.Children[idx].Ptr = newOffset
			if err := t.writeInternal(node); err != nil {
				return err
			}
		}
		return t.bumpGeneration()
	}

	common := commonPrefixLen(leaf.Key, suffix)
	headOffset, err := r.buildDivergence(leaf, suffix, value, common)
	if err != nil {
		return err
	}

	node.Children[idx].Ptr = headOffset
	if err := t.writeInternal(node); err != nil {
		return err
	}

	t.recordCount++
	if err := t.writeRootRecord(); err != nil {
		return err
	}
	return t.bumpGeneration()
}

// overwriteOrRelocateLeaf writes newValue into leaf's value slot in
// place if it fits within the existing len(Value)+Slack capacity,
// otherwise relocates the leaf to a freshly allocated, doubled-capacity
// copy and returns its new offset.
func (r *RootNode) overwriteOrRelocateLeaf(leaf *leafNode, newValue []byte) (uint64, error) {
	t := r.t
	capacityTotal := leaf.valueCapacity()

	if len(newValue) <= capacityTotal {
		leaf.Value = newValue
		leaf.Slack = capacityTotal - len(newValue)
		if err := t.writeLeaf(leaf); err != nil {
			return 0, err
		}
		return leaf.Offset, nil
	}

	newCapacity := capacityTotal * 2
	if len(newValue) > newCapacity {
		newCapacity = len(newValue) * 2
	}
	relocated := &leafNode{Key: leaf.Key, Value: newValue, Slack: newCapacity - len(newValue)}
	return t.allocateLeaf(relocated)
}

// buildDivergence splits leaf at local offset common within its stored
// suffix, materializing a chain of `common` singleton internal nodes for
// the shared prefix (consistent with LTrie's byte-granular branching —
// see DESIGN.md) followed by a branching node M holding the two diverged
// continuations. It returns the offset callers should point their
// existing child slot at.
func (r *RootNode) buildDivergence(oldLeaf *leafNode, newSuffix, newValue []byte, common int) (uint64, error) {
	t := r.t

	oldRest := oldLeaf.Key[common:]
	newRest := newSuffix[common:]

	var mLinkValue uint64
	var mChildren []childEntry

	if len(oldRest) == 0 {
		oldValueLeaf := newLeafNode(nil, oldLeaf.Value)
		off, err := t.allocateLeaf(oldValueLeaf)
		if err != nil {
			return 0, err
		}
		mLinkValue = off
	} else {
		relocated := newLeafNode(oldRest[1:], oldLeaf.Value)
		off, err := t.allocateLeaf(relocated)
		if err != nil {
			return 0, err
		}
		mChildren = append(mChildren, childEntry{Byte: oldRest[0], Ptr: off})
	}

	if len(newRest) == 0 {
		newValueLeaf := newLeafNode(nil, newValue)
		off, err := t.allocateLeaf(newValueLeaf)
		if err != nil {
			return 0, err
		}
		mLinkValue = off
	} else {
		fresh := newLeafNode(newRest[1:], newValue)
		off, err := t.allocateLeaf(fresh)
		if err != nil {
			return 0, err
		}
		mChildren = append(mChildren, childEntry{Byte: newRest[0], Ptr: off})
	}

	sort.Slice(mChildren, func(i, j int) bool { return mChildren[i].Byte < mChildren[j].Byte })

	m := newInternalNode(mChildren, mLinkValue)
	nextPtr, err := t.allocateInternal(m)
	if err != nil {
		return 0, err
	}

	for j := common - 1; j >= 0; j-- {
		chain := newInternalNode([]childEntry{{Byte: oldLeaf.Key[j], Ptr: nextPtr}}, 0)
		nextPtr, err = t.allocateInternal(chain)
		if err != nil {
			return 0, err
		}
	}

	return nextPtr, nil
}

func insertChildAt(children []childEntry, idx int, c childEntry) []childEntry {
	children = append(children, childEntry{})
	copy(children[idx+1:], children[idx:])
	children[idx] = c
	return children
}

// DeleteKey removes key if present. It is a tombstone: the owning
// child entry is spliced out of its node's child array, or the
// link-to-value pointer is cleared, in place, but no node
// is freed or compacted (SPEC_FULL.md §4.8) — consistent with the
// no-compaction non-goal. Deleting an absent key is a no-op, not an
// error.
func (r *RootNode) DeleteKey(key []byte) (bool, error) {
	t := r.t
	if err := t.checkPoisoned(); err != nil {
		return false, err
	}

	cur := t.rootOffset
	depth := 0
	for {
		node, err := t.readInternal(cur)
		if err != nil {
			return false, err
		}

		if depth == len(key) {
			if node.LinkValue == 0 {
				return false, nil
			}
			node.LinkValue = 0
			if err := t.writeInternal(node); err != nil {
				return false, err
			}
			return true, r.finishDelete()
		}

		b := key[depth]
		child, idx, found := node.find(b)
		if !found {
			return false, nil
		}

		tag, err := t.readTag(child.Ptr)
		if err != nil {
			return false, err
		}

		switch tag {
		case tagInternal:
			cur = child.Ptr
			depth++
		case tagLeaf:
			leaf, err := t.readLeaf(child.Ptr)
			if err != nil {
				return false, err
			}
			if !bytes.Equal(leaf.Key, key[depth+1:]) {
				return false, nil
			}
			node.Children = append(node.Children[:idx], node.Children[idx+1:]...)
			if err := t.writeInternal(node); err != nil {
				return false, err
			}
			return true, r.finishDelete()
		default:
			return false, t.poison(errors.Wrapf(ErrCorrupt, "offset %d: unexpected tag %#x", child.Ptr, tag))
		}
	}
}

func (r *RootNode) finishDelete() error {
	t := r.t
	t.recordCount--
	if err := t.writeRootRecord(); err != nil {
		return err
	}
	return t.bumpGeneration()
}

// MatchResult is FindBestMatch's outcome: the deepest depth reached
// along needle's byte path, and whether that position is value-bearing.
type MatchResult struct {
	Depth    int
	HasValue bool
	Row      *Row
}

// FindBestMatch walks needle byte by byte as far as the trie allows and
// reports whether the deepest point reached holds a value — true iff
// the walk ends on a stored key that equals needle or is a prefix of it.
// A needle that ends partway along a stored key's path, or diverges from
// it, reports no value.
func (r *RootNode) FindBestMatch(needle []byte) (*MatchResult, error) {
	t := r.t
	if err := t.checkPoisoned(); err != nil {
		return nil, err
	}

	cur := t.rootOffset
	depth := 0
	for {
		node, err := t.readInternal(cur)
		if err != nil {
			return nil, err
		}

		if depth == len(needle) {
			return r.matchAt(node, depth)
		}

		b := needle[depth]
		child, _, found := node.find(b)
		if !found {
			return r.matchAt(node, depth)
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
			remaining := needle[depth+1:]
			common := commonPrefixLen(leaf.Key, remaining)
			result := &MatchResult{Depth: depth + 1 + common}
			if common == len(leaf.Key) {
				result.HasValue = true
				result.Row = rowFromLeaf(child.Ptr, leaf)
			}
			return result, nil
		default:
			return nil, t.poison(errors.Wrapf(ErrCorrupt, "offset %d: unexpected tag %#x", child.Ptr, tag))
		}
	}
}

func (r *RootNode) matchAt(node *internalNode, depth int) (*MatchResult, error) {
	if node.LinkValue == 0 {
		return &MatchResult{Depth: depth}, nil
	}
	leaf, err := r.t.readLeaf(node.LinkValue)
	if err != nil {
		return nil, err
	}
	return &MatchResult{Depth: depth, HasValue: true, Row: rowFromLeaf(node.LinkValue, leaf)}, nil
}
