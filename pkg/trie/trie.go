// Package trie implements the LTrie on-disk byte-granular radix/patricia
// trie: node encoding, in-place vs. relocating mutation, and the
// traversal algorithms (point lookup, insert/update, best-prefix match,
// ordered prefix enumeration) described in SPEC_FULL.md.
package trie

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kael-ostra/ltriedb/pkg/cache"
	"github.com/kael-ostra/ltriedb/pkg/storage"
)

// Sentinel errors for the three non-I/O error kinds spec.md §7 names.
var (
	// ErrNotFound is returned by lookups; it is not a failure, just an
	// absent result.
	ErrNotFound = errors.New("ltrie: key not found")
	// ErrCorrupt marks an invalid tag byte, a malformed node body, or
	// unsorted child discriminants. Once returned, the Trie handle that
	// produced it is poisoned. A pointer past the end of storage is not
	// classified here: it surfaces as the page cache's read error and does
	// not poison the handle.
	ErrCorrupt = errors.New("ltrie: corrupt trie structure")
	// ErrConsistencyCheck marks a just-written record that could not be
	// read back. Like ErrCorrupt, it poisons the handle.
	ErrConsistencyCheck = errors.New("ltrie: consistency check failed after write")
)

// Trie is a handle on a single LTrie file. It is not safe for concurrent
// use — callers must serialize, per SPEC_FULL.md §5.
type Trie struct {
	cache *cache.PageCache
	log   *logrus.Entry
	pool  *BufferPool

	consistencyCheck bool
	cacheActive      bool

	rootOffset  uint64
	genOffset   uint64
	recordCount uint64

	poisoned  bool
	poisonErr error
}

// Open opens an existing LTrie file, or initializes a fresh empty one if
// the backing storage is empty.
func Open(backing storage.ByteStorage) (*Trie, error) {
	pc, err := cache.New(backing, cache.DefaultPageSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating page cache")
	}

	t := &Trie{
		cache:       pc,
		log:         logrus.WithField("component", "trie"),
		pool:        newBufferPool(),
		cacheActive: true,
	}

	if backing.Length() == 0 {
		if err := t.initializeEmpty(); err != nil {
			return nil, errors.Wrap(err, "initializing empty trie")
		}
		return t, nil
	}

	if err := t.loadRootRecord(); err != nil {
		return nil, errors.Wrap(err, "loading root record")
	}
	return t, nil
}

// Root returns the RootNode handle for top-level trie operations.
func (t *Trie) Root() *RootNode {
	return &RootNode{t: t}
}

// ActivateCache is a no-op kept for interface parity with SPEC_FULL.md §6:
// every Trie operation already goes through the write-back page cache —
// there is no direct-to-storage path to switch away from.
func (t *Trie) ActivateCache() {
	t.cacheActive = true
}

// SetConsistencyCheck toggles the after-each-write read-back
// verification described in SPEC_FULL.md §4.5.
func (t *Trie) SetConsistencyCheck(enabled bool) {
	t.consistencyCheck = enabled
}

// MemoryPool exposes the trie's scratch byte-buffer allocator.
func (t *Trie) MemoryPool() *BufferPool {
	return t.pool
}

// Flush writes every dirty page back to the backing store.
func (t *Trie) Flush() error {
	if err := t.checkPoisoned(); err != nil {
		return err
	}
	return t.cache.Flush()
}

func (t *Trie) checkPoisoned() error {
	if t.poisoned {
		return errors.Wrapf(t.poisonErr, "trie handle is poisoned")
	}
	return nil
}

func (t *Trie) poison(err error) error {
	t.poisoned = true
	t.poisonErr = err
	t.log.WithError(err).Error("trie handle poisoned")
	return err
}

func (t *Trie) initializeEmpty() error {
	// Reserve the 24-byte root record region first so every later
	// allocation lands after it.
	if _, err := t.cache.WriteToEnd(make([]byte, rootRecordSize)); err != nil {
		return err
	}

	root := newInternalNode(nil, 0)
	rootOffset, err := t.allocateInternal(root)
	if err != nil {
		return err
	}

	gen := &generationNode{Counter: 0}
	genOffset, err := t.cache.WriteToEnd(gen.encode())
	if err != nil {
		return err
	}

	t.rootOffset = rootOffset
	t.genOffset = genOffset
	t.recordCount = 0
	return t.writeRootRecord()
}

func (t *Trie) loadRootRecord() error {
	buf := make([]byte, rootRecordSize)
	if err := t.cache.Read(0, buf); err != nil {
		return errors.Wrap(err, "reading root record")
	}
	t.rootOffset = binary.LittleEndian.Uint64(buf[0:8])
	t.genOffset = binary.LittleEndian.Uint64(buf[8:16])
	t.recordCount = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

func (t *Trie) writeRootRecord() error {
	buf := make([]byte, rootRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.rootOffset)
	binary.LittleEndian.PutUint64(buf[8:16], t.genOffset)
	binary.LittleEndian.PutUint64(buf[16:24], t.recordCount)
	if err := t.cache.Write(0, buf); err != nil {
		return err
	}
	return t.verifyWrite(0, buf)
}

// bumpGeneration advances the generation counter. Called on every
// mutating operation so any external path-memoization cache keyed by
// generation knows to invalidate itself.
func (t *Trie) bumpGeneration() error {
	gen, err := t.readGeneration()
	if err != nil {
		return err
	}
	gen.Counter++
	if err := t.cache.Write(gen.Offset, gen.encode()); err != nil {
		return err
	}
	return t.verifyWrite(gen.Offset, gen.encode())
}

func (t *Trie) readGeneration() (*generationNode, error) {
	buf := make([]byte, generationNodeSize)
	if err := t.cache.Read(t.genOffset, buf); err != nil {
		return nil, errors.Wrap(err, "reading generation node")
	}
	gen, err := decodeGenerationNode(t.genOffset, buf)
	if err != nil {
		return nil, t.poison(errors.Wrap(ErrCorrupt, err.Error()))
	}
	return gen, nil
}

// verifyWrite re-reads what was just written when ConsistencyCheck is
// enabled, poisoning the handle on mismatch (SPEC_FULL.md §7).
func (t *Trie) verifyWrite(offset uint64, want []byte) error {
	if !t.consistencyCheck {
		return nil
	}
	got := make([]byte, len(want))
	if err := t.cache.Read(offset, got); err != nil {
		return t.poison(errors.Wrapf(err, "consistency check: re-reading offset %d", offset))
	}
	for i := range want {
		if got[i] != want[i] {
			return t.poison(errors.Wrapf(ErrConsistencyCheck, "offset %d byte %d: wrote %#x read %#x", offset, i, want[i], got[i]))
		}
	}
	return nil
}

// --- node I/O ---

func (t *Trie) readTag(offset uint64) (byte, error) {
	buf := t.pool.Get(1)
	defer t.pool.Put(buf)
	if err := t.cache.Read(offset, buf); err != nil {
		return 0, errors.Wrapf(err, "reading tag at %d", offset)
	}
	return buf[0], nil
}

// readInternal and readLeaf are the two node-I/O paths every traversal
// step (GetKey, SetKey, FindBestMatch, EnumerateStartWith) runs through,
// so their scratch read buffers are drawn from t.pool instead of make —
// decodeInternalNode/decodeLeafNode copy everything they keep out of the
// buffer, so it is safe to return to the pool as soon as decoding is done.
func (t *Trie) readInternal(offset uint64) (*internalNode, error) {
	hdr := t.pool.Get(internalHeaderSize)
	defer t.pool.Put(hdr)
	if err := t.cache.Read(offset, hdr); err != nil {
		return nil, errors.Wrapf(err, "reading internal node header at %d", offset)
	}
	if hdr[0] != tagInternal {
		return nil, t.poison(errors.Wrapf(ErrCorrupt, "offset %d: expected internal tag, got %#x", offset, hdr[0]))
	}
	capacity := int(hdr[10])
	total := internalHeaderSize + capacity*childEntrySize

	buf := t.pool.Get(total)
	defer t.pool.Put(buf)
	copy(buf, hdr)
	if total > internalHeaderSize {
		if err := t.cache.Read(offset+internalHeaderSize, buf[internalHeaderSize:]); err != nil {
			return nil, errors.Wrapf(err, "reading internal node body at %d", offset)
		}
	}

	node, err := decodeInternalNode(offset, buf)
	if err != nil {
		return nil, t.poison(errors.Wrap(ErrCorrupt, err.Error()))
	}
	return node, nil
}

func (t *Trie) readLeaf(offset uint64) (*leafNode, error) {
	stage1 := t.pool.Get(9) // tag + keyLen
	if err := t.cache.Read(offset, stage1); err != nil {
		t.pool.Put(stage1)
		return nil, errors.Wrapf(err, "reading leaf header at %d", offset)
	}
	if stage1[0] != tagLeaf {
		t.pool.Put(stage1)
		return nil, t.poison(errors.Wrapf(ErrCorrupt, "offset %d: expected leaf tag, got %#x", offset, stage1[0]))
	}
	keyLen := binary.LittleEndian.Uint64(stage1[1:9])
	t.pool.Put(stage1)

	stage2 := t.pool.Get(4) // valueLen, right after the key
	if err := t.cache.Read(offset+9+keyLen, stage2); err != nil {
		t.pool.Put(stage2)
		return nil, errors.Wrapf(err, "reading leaf value length at %d", offset)
	}
	valueLen := binary.LittleEndian.Uint32(stage2)
	t.pool.Put(stage2)

	stage3 := t.pool.Get(4) // slackLen, right after the value
	if err := t.cache.Read(offset+9+keyLen+4+uint64(valueLen), stage3); err != nil {
		t.pool.Put(stage3)
		return nil, errors.Wrapf(err, "reading leaf slack length at %d", offset)
	}
	slackLen := binary.LittleEndian.Uint32(stage3)
	t.pool.Put(stage3)

	total := 1 + 8 + keyLen + 4 + uint64(valueLen) + 4 + uint64(slackLen)
	buf := t.pool.Get(int(total))
	defer t.pool.Put(buf)
	if err := t.cache.Read(offset, buf); err != nil {
		return nil, errors.Wrapf(err, "reading leaf body at %d", offset)
	}

	leaf, err := decodeLeafNode(offset, buf)
	if err != nil {
		return nil, t.poison(errors.Wrap(ErrCorrupt, err.Error()))
	}
	return leaf, nil
}

// allocateInternal writes a brand-new internal node at the end of
// storage and returns its offset.
func (t *Trie) allocateInternal(n *internalNode) (uint64, error) {
	data := n.encode()
	offset, err := t.cache.WriteToEnd(data)
	if err != nil {
		return 0, err
	}
	n.Offset = offset
	if err := t.verifyWrite(offset, data); err != nil {
		return 0, err
	}
	return offset, nil
}

// allocateLeaf writes a brand-new leaf at the end of storage and
// returns its offset.
func (t *Trie) allocateLeaf(n *leafNode) (uint64, error) {
	data := n.encode()
	offset, err := t.cache.WriteToEnd(data)
	if err != nil {
		return 0, err
	}
	n.Offset = offset
	n.valueOffset = offset + uint64(1+8+len(n.Key)+4)
	if err := t.verifyWrite(offset, data); err != nil {
		return 0, err
	}
	return offset, nil
}

// writeInternal rewrites a node in place. Callers must not have changed
// Capacity since the node was read/allocated — growing capacity always
// goes through relocation (allocateInternal) instead.
func (t *Trie) writeInternal(n *internalNode) error {
	data := n.encode()
	if err := t.cache.Write(n.Offset, data); err != nil {
		return err
	}
	return t.verifyWrite(n.Offset, data)
}

// writeLeaf rewrites a leaf in place. Callers must preserve
// len(Value)+Slack (the value slot's total capacity) since the node was
// read/allocated — growing past that capacity always goes through
// relocation (allocateLeaf) instead.
func (t *Trie) writeLeaf(n *leafNode) error {
	data := n.encode()
	if err := t.cache.Write(n.Offset, data); err != nil {
		return err
	}
	return t.verifyWrite(n.Offset, data)
}
