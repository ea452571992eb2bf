package tcpshm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tcpshm-go/tcpshm/internal/mmap"
)

// spscBlockSize is the size of one SPSC block -- a cache line.
const spscBlockSize = 64

// spscCursors mirrors the cache-line-separated cursor layout of the C++
// source: the writer's private WriteIdx, the writer-published WriteIdxAtom
// (plus the writer-private ReadIdxCache next to it), and the
// reader-published ReadIdx each sit on their own padded group so neither
// side's cache line is invalidated by the other's writes.
type spscCursors struct {
	WriteIdx uint32
	_        [124]byte

	WriteIdxAtom atomic.Uint32
	ReadIdxCache uint32 // writer-private
	_            [120]byte

	ReadIdx atomic.Uint32
	_       [124]byte
}

const spscCursorsSize = int(unsafe.Sizeof(spscCursors{}))

// SPSCQueue is a lock-free single-producer/single-consumer ring of
// variable-size frames, backed by a block of cache-line-sized blocks. Only
// one goroutine may call Alloc/Push; only one (possibly different) goroutine
// may call Front/Pop.
type SPSCQueue struct {
	region *mmap.ByteRegion
	cur    *spscCursors
	blocks []byte // len == blkCnt*spscBlockSize
	blkCnt uint32
	mask   uint32
}

// OpenSPSCQueue maps (creating if needed) the queue file at path sized for
// blkCnt blocks, which must be a power of two.
func OpenSPSCQueue(path string, blkCnt uint32, create bool) (q *SPSCQueue, fresh bool, err error) {
	if blkCnt == 0 || blkCnt&(blkCnt-1) != 0 {
		return nil, false, fmt.Errorf("tcpshm: SPSC block count %d is not a power of two", blkCnt)
	}
	region, fresh, err := mmap.MapBytes(path, spscCursorsSize+int(blkCnt)*spscBlockSize, create)
	if err != nil {
		return nil, false, err
	}
	buf := region.Bytes()
	q = &SPSCQueue{
		region: region,
		cur:    (*spscCursors)(unsafe.Pointer(&buf[0])),
		blocks: buf[spscCursorsSize:],
		blkCnt: blkCnt,
		mask:   blkCnt - 1,
	}
	return q, fresh, nil
}

// Close msyncs and unmaps the backing file.
func (q *SPSCQueue) Close() error { return q.region.Close() }

func (q *SPSCQueue) block(idx uint32) *MsgHeader {
	return headerAt(q.blocks, int(idx&q.mask)*spscBlockSize)
}

// Alloc reserves room for a payloadSize-byte frame and returns a pointer to
// its header, reserving the ring's tail padding and writing a rewind
// sentinel when the frame would otherwise cross the ring end. Returns
// (nil, false) if there isn't enough free space -- not an error, the caller
// backs off (e.g. spins with a bounded backoff).
func (q *SPSCQueue) Alloc(payloadSize uint16) (*MsgHeader, bool) {
	blkSz := blockCount(payloadSize, spscBlockSize)
	pad := q.blkCnt - (q.cur.WriteIdx & q.mask)
	rewind := blkSz > pad
	var reserve uint32
	if rewind {
		reserve = pad
	}
	minRead := q.cur.WriteIdx + blkSz + reserve - q.blkCnt
	if int32(q.cur.ReadIdxCache-minRead) < 0 {
		q.cur.ReadIdxCache = q.cur.ReadIdx.Load()
		if int32(q.cur.ReadIdxCache-minRead) < 0 {
			return nil, false
		}
	}
	if rewind {
		q.block(q.cur.WriteIdx).Size = 0
		q.cur.WriteIdx += pad
	}
	h := q.block(q.cur.WriteIdx)
	h.Size = payloadSize + HeaderSize
	return h, true
}

// Push publishes the just-allocated frame by advancing the writer-private
// index and then releasing it to the reader via the atomic index.
func (q *SPSCQueue) Push() {
	h := q.block(q.cur.WriteIdx)
	blkSz := (uint32(h.Size) + spscBlockSize - 1) / spscBlockSize
	q.cur.WriteIdx += blkSz
	q.cur.WriteIdxAtom.Store(q.cur.WriteIdx)
}

// Front returns the next unread frame's header, or nil if the queue is
// empty. A size-0 header is a rewind sentinel: Front skips it transparently
// and never surfaces it to the caller.
func (q *SPSCQueue) Front() *MsgHeader {
	currWrite := q.cur.WriteIdxAtom.Load()
	currRead := q.cur.ReadIdx.Load()
	if currRead == currWrite {
		return nil
	}
	h := q.block(currRead)
	if h.Size == 0 {
		currRead += q.blkCnt - (currRead & q.mask)
		q.cur.ReadIdx.Store(currRead)
		if currRead == currWrite {
			return nil
		}
		h = q.block(currRead)
	}
	return h
}

// FrontPayload is a convenience wrapper around Front that also returns the
// frame's payload bytes, for callers that don't need direct header access.
func (q *SPSCQueue) FrontPayload() (*MsgHeader, []byte) {
	h := q.Front()
	if h == nil {
		return nil, nil
	}
	currRead := q.cur.ReadIdx.Load()
	off := int(currRead&q.mask) * spscBlockSize
	return h, payloadAt(q.blocks, off, h.Size)
}

// Pop removes the frame last returned by Front.
func (q *SPSCQueue) Pop() {
	currRead := q.cur.ReadIdx.Load()
	blkSz := (uint32(q.block(currRead).Size) + spscBlockSize - 1) / spscBlockSize
	q.cur.ReadIdx.Store(currRead + blkSz)
}
