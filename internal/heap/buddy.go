// Package heap implements the per-process buddy-system heap allocator. The
// heap region is managed as a complete binary tree of power-of-two blocks
// stored in a fixed arena array: node i's parent is i/2 and its children are
// 2i and 2i+1, so the parent/child/sibling links of the buddy tree reduce to
// index arithmetic with no pointer management.
package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/chalk-os/chalk/internal/kerrors"
	"github.com/chalk-os/chalk/internal/trace"
)

// HeapError represents heap-allocator errors that carry block context.
type HeapError struct {
	Type    string
	Size    uint32
	Address uint32
	Message string
}

func (e *HeapError) Error() string {
	return fmt.Sprintf("heap error [%s]: %s (size=%d, addr=%d)", e.Type, e.Message, e.Size, e.Address)
}

// Block describes one buddy block handed out by the allocator.
type Block struct {
	Index int    // arena index of the node
	Order uint32 // block level; order 0 is the minimum block size
	Addr  uint32 // byte offset of the block within the heap region
	Size  uint32 // block size in bytes
}

// String returns a human-readable form of the block.
func (b Block) String() string {
	return fmt.Sprintf("Block{order: %d, addr: %d, size: %d}", b.Order, b.Addr, b.Size)
}

// node is one slot of the buddy tree arena. A node is materialized by a
// split (the root is materialized at construction) and destroyed again by
// coalescing. A node whose children exist is internal and never inuse; only
// leaves can be allocated.
type node struct {
	present bool
	inuse   bool
	order   uint32
	size    uint32
	addr    uint32
}

// Tree is the buddy allocator for one heap region. Trees are exclusively
// owned by their process and need no internal locking.
type Tree struct {
	nodes      []node // 1-based; index 0 unused
	regionSize uint32
	minBlock   uint32
	maxOrder   uint32

	tracer *trace.Tracer

	// Statistics
	allocCount    atomic.Uint64
	freeCount     atomic.Uint64
	splitCount    atomic.Uint64
	coalesceCount atomic.Uint64
}

// NewTree builds a buddy tree over a region of regionSize bytes whose
// smallest allocatable block is minBlock bytes. Both must be powers of two
// with minBlock <= regionSize.
func NewTree(regionSize, minBlock uint32, tracer *trace.Tracer) (*Tree, error) {
	if tracer == nil {
		tracer = trace.Discard
	}
	if regionSize == 0 || regionSize&(regionSize-1) != 0 {
		return nil, &HeapError{
			Type:    "invalid_region",
			Size:    regionSize,
			Message: "region size must be a power of two",
		}
	}
	if minBlock == 0 || minBlock&(minBlock-1) != 0 || minBlock > regionSize {
		return nil, &HeapError{
			Type:    "invalid_min_block",
			Size:    minBlock,
			Message: "minimum block size must be a power of two no larger than the region",
		}
	}

	maxOrder := uint32(0)
	for s := minBlock; s < regionSize; s <<= 1 {
		maxOrder++
	}

	t := &Tree{
		// A complete tree of height maxOrder has 2^(maxOrder+1)-1
		// nodes; slot 0 is unused so the children of node i sit at
		// 2i and 2i+1.
		nodes:      make([]node, 1<<(maxOrder+1)),
		regionSize: regionSize,
		minBlock:   minBlock,
		maxOrder:   maxOrder,
		tracer:     tracer,
	}
	t.nodes[1] = node{
		present: true,
		order:   maxOrder,
		size:    regionSize,
		addr:    0,
	}
	return t, nil
}

// RegionSize returns the total heap region size in bytes.
func (t *Tree) RegionSize() uint32 {
	return t.regionSize
}

// MinBlockSize returns the smallest allocatable block size in bytes.
func (t *Tree) MinBlockSize() uint32 {
	return t.minBlock
}

// Allocate reserves the smallest free block that satisfies a request of n
// bytes and returns it. The chosen block's size s always satisfies
// n <= s < 2n (except for requests at or below the minimum block size,
// which get a minimum block), bounding internal fragmentation below a
// factor of two.
//
// Requests of zero or negative size, or larger than the region, fail with
// kerrors.ErrInvalidRequest. Requests no free block can satisfy fail with a
// HeapError of type "out_of_memory".
func (t *Tree) Allocate(n int) (Block, error) {
	// Compare in 64 bits: converting n to uint32 first would let a
	// request past 4 GiB truncate into the valid range.
	if n <= 0 || uint64(n) > uint64(t.regionSize) {
		return Block{}, kerrors.ErrInvalidRequest
	}
	want := uint32(n)

	// Search phase: an existing free leaf of the right size class.
	if b, ok := t.search(1, want); ok {
		t.allocCount.Add(1)
		t.tracer.Infof("heap", "allocated block: order=%d addr=%d requested=%d size=%d",
			b.Order, b.Addr, want, b.Size)
		return b, nil
	}

	// Split phase: carve a larger free leaf down to the right size.
	if b, ok := t.splitSearch(1, want); ok {
		t.allocCount.Add(1)
		t.tracer.Infof("heap", "allocated block: order=%d addr=%d requested=%d size=%d",
			b.Order, b.Addr, want, b.Size)
		return b, nil
	}

	return Block{}, &HeapError{
		Type:    "out_of_memory",
		Size:    want,
		Message: "no free block can satisfy the request",
	}
}

// search walks the tree depth-first looking for a free leaf whose size s
// satisfies want <= s && want > s/2, i.e. the smallest existing block that
// is not too big by more than a factor of two. A match is marked inuse.
func (t *Tree) search(i int, want uint32) (Block, bool) {
	if !t.exists(i) {
		return Block{}, false
	}

	nd := &t.nodes[i]
	if t.isLeaf(i) {
		if nd.inuse {
			return Block{}, false
		}
		if t.fits(nd, want) {
			nd.inuse = true
			return t.block(i), true
		}
		return Block{}, false
	}

	if b, ok := t.search(2*i, want); ok {
		return b, true
	}
	return t.search(2*i+1, want)
}

// splitSearch walks the tree depth-first looking for a free leaf large
// enough to split toward the request, splitting as it descends. Splitting a
// block of size S at address A produces children of size S/2 at addresses A
// and A+S/2, one order down.
func (t *Tree) splitSearch(i int, want uint32) (Block, bool) {
	if !t.exists(i) {
		return Block{}, false
	}

	nd := &t.nodes[i]
	if t.isLeaf(i) {
		if nd.inuse {
			return Block{}, false
		}
		if t.fits(nd, want) {
			nd.inuse = true
			return t.block(i), true
		}
		if nd.size/2 < want || nd.order == 0 {
			return Block{}, false
		}
		t.split(i)
	}

	if b, ok := t.splitSearch(2*i, want); ok {
		return b, true
	}
	return t.splitSearch(2*i+1, want)
}

// Free releases the allocated block at the given heap-relative address and
// returns it, coalescing freed buddies back into their parent as far up the
// tree as possible.
//
// Addresses outside the region, and addresses that do not match a currently
// allocated leaf, fail with kerrors.ErrInvalidRequest and leave the heap
// unchanged.
func (t *Tree) Free(addr uint32) (Block, error) {
	if addr >= t.regionSize {
		return Block{}, kerrors.ErrInvalidRequest
	}

	// Parents share their left child's address, so only an inuse leaf
	// match identifies the live block. Linear scan of the arena, as the
	// tree is small and bounded.
	idx := 0
	for i := 1; i < len(t.nodes); i++ {
		if t.exists(i) && t.isLeaf(i) && t.nodes[i].inuse && t.nodes[i].addr == addr {
			idx = i
			break
		}
	}
	if idx == 0 {
		return Block{}, kerrors.ErrInvalidRequest
	}

	freed := t.block(idx)
	t.nodes[idx].inuse = false
	t.coalesce(idx)
	t.freeCount.Add(1)

	t.tracer.Infof("heap", "freed block: order=%d addr=%d size=%d", freed.Order, freed.Addr, freed.Size)
	return freed, nil
}

// split materializes the two children of a free leaf, demoting it to an
// internal node.
func (t *Tree) split(i int) {
	nd := &t.nodes[i]
	half := nd.size / 2

	t.nodes[2*i] = node{
		present: true,
		order:   nd.order - 1,
		size:    half,
		addr:    nd.addr,
	}
	t.nodes[2*i+1] = node{
		present: true,
		order:   nd.order - 1,
		size:    half,
		addr:    nd.addr + half,
	}
	t.splitCount.Add(1)

	t.tracer.Debugf("heap", "split block (order=%d, addr=%d, size=%d) into (addr=%d) and (addr=%d)",
		nd.order, nd.addr, nd.size, nd.addr, nd.addr+half)
}

// coalesce merges the freed node with its buddy while both are free leaves,
// destroying the pair and reverting their parent to a leaf, repeating one
// level up each time.
func (t *Tree) coalesce(i int) {
	for i > 1 {
		sibling := i ^ 1
		if !t.exists(sibling) || !t.isLeaf(sibling) || t.nodes[sibling].inuse {
			return
		}

		parent := i / 2
		t.tracer.Debugf("heap", "coalesced buddies (addr=%d, size=%d) and (addr=%d, size=%d) into parent (addr=%d, size=%d)",
			t.nodes[i].addr, t.nodes[i].size,
			t.nodes[sibling].addr, t.nodes[sibling].size,
			t.nodes[parent].addr, t.nodes[parent].size)

		t.nodes[2*parent] = node{}
		t.nodes[2*parent+1] = node{}
		t.coalesceCount.Add(1)
		i = parent
	}
}

// BlockAt returns the allocated block at the given heap-relative address
// without freeing it.
func (t *Tree) BlockAt(addr uint32) (Block, bool) {
	for i := 1; i < len(t.nodes); i++ {
		if t.exists(i) && t.isLeaf(i) && t.nodes[i].inuse && t.nodes[i].addr == addr {
			return t.block(i), true
		}
	}
	return Block{}, false
}

// GetStats returns allocator statistics.
func (t *Tree) GetStats() map[string]uint64 {
	live := uint64(0)
	for i := 1; i < len(t.nodes); i++ {
		if t.exists(i) && t.nodes[i].inuse {
			live++
		}
	}
	return map[string]uint64{
		"region_size":    uint64(t.regionSize),
		"min_block_size": uint64(t.minBlock),
		"alloc_count":    t.allocCount.Load(),
		"free_count":     t.freeCount.Load(),
		"split_count":    t.splitCount.Load(),
		"coalesce_count": t.coalesceCount.Load(),
		"live_blocks":    live,
	}
}

func (t *Tree) exists(i int) bool {
	return i < len(t.nodes) && t.nodes[i].present
}

func (t *Tree) isLeaf(i int) bool {
	return 2*i >= len(t.nodes) || !t.nodes[2*i].present
}

func (t *Tree) fits(nd *node, want uint32) bool {
	return want <= nd.size && (want > nd.size/2 || nd.order == 0)
}

func (t *Tree) block(i int) Block {
	nd := &t.nodes[i]
	return Block{Index: i, Order: nd.order, Addr: nd.addr, Size: nd.size}
}
