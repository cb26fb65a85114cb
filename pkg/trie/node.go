package trie

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tag bytes discriminate the three on-disk node variants. See
// SPEC_FULL.md §3 for the committed canonical layout.
const (
	tagInternal byte = 0x01
	tagLeaf     byte = 0x02
	tagGenerate byte = 0x03
)

const (
	rootRecordSize     = 24 // rootPtr(8) + genPtr(8) + recordCount(8)
	internalHeaderSize = 11 // tag(1) + linkValue(8) + count(1) + capacity(1)
	childEntrySize     = 9  // discriminant(1) + pointer(8)
	generationNodeSize = 9  // tag(1) + counter(8)

	initialInternalCapacity = 4
	initialLeafSlack        = 8
)

// childEntry is one {discriminant byte, child pointer} slot in an
// internal node, kept sorted by Byte within the node.
type childEntry struct {
	Byte byte
	Ptr  uint64
}

// internalNode is the decoded form of an internal trie node: a
// link-to-value pointer plus a sorted set of single-byte-discriminant
// children, stored with trailing slack for in-place growth.
type internalNode struct {
	Offset    uint64
	LinkValue uint64 // pointer to the leaf ending exactly at this depth, 0 if none
	Children  []childEntry
	Capacity  int // slot capacity, always >= len(Children)
}

func newInternalNode(children []childEntry, linkValue uint64) *internalNode {
	capacity := initialInternalCapacity
	if len(children) > capacity {
		capacity = len(children)
	}
	return &internalNode{LinkValue: linkValue, Children: children, Capacity: capacity}
}

// size returns the on-disk footprint of the node including slack.
func (n *internalNode) size() int {
	return internalHeaderSize + n.Capacity*childEntrySize
}

func (n *internalNode) encode() []byte {
	buf := make([]byte, n.size())
	buf[0] = tagInternal
	binary.LittleEndian.PutUint64(buf[1:9], n.LinkValue)
	buf[9] = byte(len(n.Children))
	buf[10] = byte(n.Capacity)

	off := internalHeaderSize
	for _, c := range n.Children {
		buf[off] = c.Byte
		binary.LittleEndian.PutUint64(buf[off+1:off+9], c.Ptr)
		off += childEntrySize
	}
	// Remaining capacity slots are left zero (padding), already the
	// zero value of buf.
	return buf
}

func decodeInternalNode(offset uint64, data []byte) (*internalNode, error) {
	if len(data) < internalHeaderSize {
		return nil, errors.Errorf("internal node at %d: short header (%d bytes)", offset, len(data))
	}
	if data[0] != tagInternal {
		return nil, errors.Errorf("internal node at %d: bad tag %#x", offset, data[0])
	}

	linkValue := binary.LittleEndian.Uint64(data[1:9])
	count := int(data[9])
	capacity := int(data[10])
	if capacity < count {
		return nil, errors.Errorf("internal node at %d: capacity %d < count %d", offset, capacity, count)
	}

	need := internalHeaderSize + capacity*childEntrySize
	if len(data) < need {
		return nil, errors.Errorf("internal node at %d: short body, need %d have %d", offset, need, len(data))
	}

	children := make([]childEntry, count)
	off := internalHeaderSize
	var prev byte
	for i := 0; i < count; i++ {
		b := data[off]
		ptr := binary.LittleEndian.Uint64(data[off+1 : off+9])
		if i > 0 && b <= prev {
			return nil, errors.Errorf("internal node at %d: children not strictly sorted at index %d", offset, i)
		}
		children[i] = childEntry{Byte: b, Ptr: ptr}
		prev = b
		off += childEntrySize
	}

	return &internalNode{Offset: offset, LinkValue: linkValue, Children: children, Capacity: capacity}, nil
}

// find returns the child entry for discriminant b, if present, and its
// index within Children.
func (n *internalNode) find(b byte) (childEntry, int, bool) {
	// Children are few (typically <= a handful before relocation), a
	// linear scan over the sorted slice is simpler and just as fast as
	// a binary search at this width.
	for i, c := range n.Children {
		if c.Byte == b {
			return c, i, true
		}
		if c.Byte > b {
			break
		}
	}
	return childEntry{}, -1, false
}

// insertSortedPosition returns where b would be inserted to keep
// Children sorted.
func (n *internalNode) insertSortedPosition(b byte) int {
	for i, c := range n.Children {
		if c.Byte > b {
			return i
		}
	}
	return len(n.Children)
}

func (n *internalNode) hasSlack() bool {
	return len(n.Children) < n.Capacity
}

// leafNode is the decoded form of a leaf: the compressed suffix of the
// key not yet consumed by the path of discriminant bytes down to it,
// the value, and trailing slack reserved for in-place value growth.
type leafNode struct {
	Offset      uint64
	Key         []byte
	Value       []byte
	Slack       int
	valueOffset uint64 // absolute storage offset of the value bytes, set on decode
}

func newLeafNode(key, value []byte) *leafNode {
	slack := initialLeafSlack
	return &leafNode{Key: key, Value: value, Slack: slack}
}

func (n *leafNode) size() int {
	return 1 + 8 + len(n.Key) + 4 + len(n.Value) + 4 + n.Slack
}

// valueCapacity is the total bytes reserved for the value slot,
// including slack, without needing relocation.
func (n *leafNode) valueCapacity() int {
	return len(n.Value) + n.Slack
}

func (n *leafNode) encode() []byte {
	buf := make([]byte, n.size())
	buf[0] = tagLeaf
	off := 1
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(len(n.Key)))
	off += 8
	copy(buf[off:off+len(n.Key)], n.Key)
	off += len(n.Key)

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(n.Value)))
	off += 4
	copy(buf[off:off+len(n.Value)], n.Value)
	off += len(n.Value)

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.Slack))
	// trailing slack bytes left zero

	return buf
}

func decodeLeafNode(offset uint64, data []byte) (*leafNode, error) {
	if len(data) < 1+8 {
		return nil, errors.Errorf("leaf at %d: short header", offset)
	}
	if data[0] != tagLeaf {
		return nil, errors.Errorf("leaf at %d: bad tag %#x", offset, data[0])
	}

	off := 1
	keyLen := binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	if uint64(len(data)) < uint64(off)+keyLen+4 {
		return nil, errors.Errorf("leaf at %d: short key region", offset)
	}
	key := append([]byte(nil), data[off:off+int(keyLen)]...)
	off += int(keyLen)

	valueLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if uint64(len(data)) < uint64(off)+uint64(valueLen)+4 {
		return nil, errors.Errorf("leaf at %d: short value region", offset)
	}
	valueOffset := offset + uint64(off)
	value := append([]byte(nil), data[off:off+int(valueLen)]...)
	off += int(valueLen)

	slackLen := binary.LittleEndian.Uint32(data[off : off+4])

	return &leafNode{
		Offset:      offset,
		Key:         key,
		Value:       value,
		Slack:       int(slackLen),
		valueOffset: valueOffset,
	}, nil
}

// generationNode is a single monotonically increasing counter used to
// invalidate any in-memory path/parent-pointer cache built atop the trie.
type generationNode struct {
	Offset  uint64
	Counter uint64
}

func (n *generationNode) encode() []byte {
	buf := make([]byte, generationNodeSize)
	buf[0] = tagGenerate
	binary.LittleEndian.PutUint64(buf[1:9], n.Counter)
	return buf
}

func decodeGenerationNode(offset uint64, data []byte) (*generationNode, error) {
	if len(data) < generationNodeSize {
		return nil, errors.Errorf("generation node at %d: short body", offset)
	}
	if data[0] != tagGenerate {
		return nil, errors.Errorf("generation node at %d: bad tag %#x", offset, data[0])
	}
	return &generationNode{Offset: offset, Counter: binary.LittleEndian.Uint64(data[1:9])}, nil
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
