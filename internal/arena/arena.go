// Package arena implements the append-only byte-block arena that backs the
// field cache's per-term posting chains. A single writer bump-allocates
// fixed-size sub-blocks from a fixed size-class table; many readers snapshot
// a (head, length) pair and walk the resulting chain forward. No byte once
// committed to a sub-block is ever rewritten.
package arena

import (
	"encoding/binary"
	"fmt"
	"io"
)

// BlockSize is the size of each backing byte block.
const BlockSize = 32 * 1024

// blockOffsetBits is the number of low bits of an address spent on the
// offset within a block; BlockSize must be exactly 1<<blockOffsetBits.
const blockOffsetBits = 15

// SizeClasses is the fixed table of sub-block sizes a chain is built from.
var SizeClasses = [10]uint32{9, 18, 24, 34, 44, 64, 84, 104, 148, 204}

// SuccessorClasses maps a size-class index to the index used for the next
// sub-block in a chain once the current one fills.
var SuccessorClasses = [10]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 9}

func init() {
	if BlockSize != 1<<blockOffsetBits {
		panic("arena: BlockSize must equal 1<<blockOffsetBits")
	}
}

// Arena is a single-writer, many-reader append-only pool of fixed-size
// blocks. It never reclaims memory: once a caller holds an address, the
// bytes at that address are valid for the arena's lifetime.
type Arena struct {
	blocks []block
}

type block struct {
	buf []byte
	off uint32
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{}
}

// addr packs a block index and an in-block offset into a single logical
// address. Sub-blocks never straddle a block boundary, so arithmetic on an
// address (addr + n, for n smaller than the owning sub-block) stays inside
// the same block.
func addr(blockIdx int, offset uint32) uint32 {
	return uint32(blockIdx)<<blockOffsetBits | offset
}

func decode(a uint32) (blockIdx int, offset uint32) {
	return int(a >> blockOffsetBits), a & (BlockSize - 1)
}

// allocClass bump-allocates a fresh sub-block of the given size class and
// returns its address.
func (a *Arena) allocClass(classIdx int) uint32 {
	if classIdx < 0 || classIdx >= len(SizeClasses) {
		panic(fmt.Sprintf("arena: invalid size class %d", classIdx))
	}
	size := SizeClasses[classIdx]

	if len(a.blocks) == 0 || a.blocks[len(a.blocks)-1].off+size > BlockSize {
		a.blocks = append(a.blocks, block{buf: make([]byte, BlockSize)})
	}
	b := &a.blocks[len(a.blocks)-1]
	address := addr(len(a.blocks)-1, b.off)
	b.off += size
	return address
}

func (a *Arena) slice(address uint32, n int) []byte {
	blockIdx, offset := decode(address)
	if blockIdx < 0 || blockIdx >= len(a.blocks) {
		panic("arena: address out of range")
	}
	buf := a.blocks[blockIdx].buf
	if int(offset)+n > len(buf) {
		panic("arena: sub-block write crosses block boundary")
	}
	return buf[offset : int(offset)+n]
}

func (a *Arena) writeU32(address uint32, v uint32) {
	binary.BigEndian.PutUint32(a.slice(address, 4), v)
}

func (a *Arena) readU32(address uint32) uint32 {
	return binary.BigEndian.Uint32(a.slice(address, 4))
}

// Cursor is the mutable write position of one term's chain. The chain's
// head address never changes once allocated (it is the value stored as a
// posting's immutable byte_start); Cursor tracks the tail sub-block being
// filled and the total number of payload bytes appended so far (byte_end).
type Cursor struct {
	Head     uint32
	Len      uint32
	tail     uint32
	classIdx int
	pos      uint32
}

// NewCursor allocates the first sub-block of a new chain.
func (a *Arena) NewCursor() Cursor {
	head := a.allocClass(0)
	return Cursor{Head: head, tail: head, classIdx: 0}
}

// Append writes p to the end of the chain, allocating new sub-blocks as
// needed and chaining them via a forward pointer in the last 4 bytes of
// each full sub-block.
func (a *Arena) Append(c *Cursor, p []byte) {
	for len(p) > 0 {
		dataSize := int(SizeClasses[c.classIdx]) - 4
		room := dataSize - int(c.pos)
		if room == 0 {
			nextClass := SuccessorClasses[c.classIdx]
			next := a.allocClass(nextClass)
			a.writeU32(c.tail+uint32(dataSize), next)
			c.tail = next
			c.classIdx = nextClass
			c.pos = 0
			continue
		}
		n := room
		if n > len(p) {
			n = len(p)
		}
		copy(a.slice(c.tail+c.pos, n), p[:n])
		c.pos += uint32(n)
		c.Len += uint32(n)
		p = p[n:]
	}
}

// Reader walks a committed chain from its head, reproducing the exact byte
// stream previously appended via Append. Concurrent with writers appending
// to other chains; never concurrent with further appends to this chain past
// the length it was constructed with.
type Reader struct {
	a         *Arena
	addr      uint32
	classIdx  int
	pos       uint32
	remaining uint32
}

// NewReader returns a reader over the first length bytes of the chain
// starting at head.
func (a *Arena) NewReader(head uint32, length uint32) *Reader {
	return &Reader{a: a, addr: head, remaining: length}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	total := 0
	for len(p) > 0 && r.remaining > 0 {
		dataSize := int(SizeClasses[r.classIdx]) - 4
		avail := dataSize - int(r.pos)
		n := avail
		if n > len(p) {
			n = len(p)
		}
		if uint32(n) > r.remaining {
			n = int(r.remaining)
		}
		copy(p, r.a.slice(r.addr+r.pos, n))
		p = p[n:]
		total += n
		r.pos += uint32(n)
		r.remaining -= uint32(n)
		if int(r.pos) == dataSize && r.remaining > 0 {
			next := r.a.readU32(r.addr + uint32(dataSize))
			r.addr = next
			r.classIdx = SuccessorClasses[r.classIdx]
			r.pos = 0
		}
	}
	return total, nil
}

// ReadByte implements io.ByteReader so a Reader can feed codec's varint
// decoders directly while streaming a posting chain.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := r.Read(b[:])
	if n == 1 {
		return b[0], nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return 0, err
}
