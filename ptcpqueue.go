package tcpshm

import (
	"fmt"
	"unsafe"

	"github.com/tcpshm-go/tcpshm/internal/mmap"
)

// ptcpCursors is the persisted state of a PTCPQueue: it sits at the front of
// the mmap'd file, immediately followed by the slot ring. Every field is
// recovered verbatim across process restarts, which is what lets a PTCP
// queue survive a crash.
//
// invariant: ReadIdx <= SendIdx <= WriteIdx
type ptcpCursors struct {
	WriteIdx   uint32
	ReadIdx    uint32
	SendIdx    uint32
	ReadSeqNum uint32 // seq number of the frame at ReadIdx
	AckSeqNum  uint32 // next seq number we expect from the peer
}

// PTCPQueue is a single-thread, mmap-backed, append-only ring of frames: the
// persistent send buffer behind a PTCP connection. Every stored frame's
// ack_seq is non-decreasing for as long as it stays in the ring.
type PTCPQueue struct {
	region   *mmap.ByteRegion
	cur      *ptcpCursors
	ring     []byte // len == blkCnt*HeaderSize
	blkCnt   uint32
	toLittle bool
}

const ptcpCursorsSize = int(unsafe.Sizeof(ptcpCursors{}))

// OpenPTCPQueue maps (creating if needed) the queue file at path sized for
// blkCnt slots of HeaderSize bytes each. fresh reports whether the file was
// just created (a brand new session) as opposed to recovered.
func OpenPTCPQueue(path string, blkCnt uint32, toLittle bool) (q *PTCPQueue, fresh bool, err error) {
	if blkCnt == 0 {
		return nil, false, fmt.Errorf("tcpshm: PTCP block count must be > 0")
	}
	region, fresh, err := mmap.MapBytes(path, ptcpCursorsSize+int(blkCnt)*HeaderSize, true)
	if err != nil {
		return nil, false, err
	}
	buf := region.Bytes()
	q = &PTCPQueue{
		region:   region,
		cur:      (*ptcpCursors)(unsafe.Pointer(&buf[0])),
		ring:     buf[ptcpCursorsSize:],
		blkCnt:   blkCnt,
		toLittle: toLittle,
	}
	return q, fresh, nil
}

// Close msyncs and unmaps the backing file.
func (q *PTCPQueue) Close() error { return q.region.Close() }

func (q *PTCPQueue) slot(idx uint32) *MsgHeader { return headerAt(q.ring, int(idx)*HeaderSize) }

// Alloc reserves room for a payloadSize-byte payload and returns a pointer to
// its header, compacting the ring in place if the tail lacks room but the
// head has enough reclaimed space. Returns (nil, false) if the frame cannot
// fit even after compaction -- not an error, the caller backs off.
func (q *PTCPQueue) Alloc(payloadSize uint16) (*MsgHeader, bool) {
	blkSz := blockCount(payloadSize, HeaderSize)
	availSz := q.blkCnt - q.cur.WriteIdx
	if blkSz > availSz {
		if blkSz > availSz+q.cur.ReadIdx {
			return nil, false
		}
		copy(q.ring, q.ring[q.cur.ReadIdx*HeaderSize:q.cur.WriteIdx*HeaderSize])
		q.cur.WriteIdx -= q.cur.ReadIdx
		q.cur.SendIdx -= q.cur.ReadIdx
		q.cur.ReadIdx = 0
	}
	h := q.slot(q.cur.WriteIdx)
	h.Size = uint16(payloadSize) + HeaderSize
	return h, true
}

// Push stamps the current cumulative ack into the just-allocated frame,
// converts the header to wire byte order, and publishes it by advancing
// WriteIdx. Must be called exactly once per successful Alloc.
func (q *PTCPQueue) Push() {
	h := q.slot(q.cur.WriteIdx)
	blkSz := (uint32(h.Size) + HeaderSize - 1) / HeaderSize
	h.AckSeq = q.cur.AckSeqNum
	h.ConvertByteOrder(q.toLittle)
	q.cur.WriteIdx += blkSz
}

// GetSendable returns the not-yet-transmitted byte range [SendIdx, WriteIdx)
// and its block count.
func (q *PTCPQueue) GetSendable() ([]byte, uint32) {
	n := q.cur.WriteIdx - q.cur.SendIdx
	return q.ring[q.cur.SendIdx*HeaderSize : q.cur.WriteIdx*HeaderSize], n
}

// Sendout advances SendIdx by blkCnt blocks; it never passes WriteIdx.
func (q *PTCPQueue) Sendout(blkCnt uint32) {
	q.cur.SendIdx += blkCnt
}

// LoginAck acknowledges ackSeq and additionally rewinds SendIdx to ReadIdx,
// so every frame the peer has not yet acknowledged is retransmitted from
// scratch. Used once, right after a successful reconnect handshake.
func (q *PTCPQueue) LoginAck(ackSeq uint32) {
	q.Ack(ackSeq)
	q.cur.SendIdx = q.cur.ReadIdx
}

// Ack walks stored frames from ReadIdx, popping one per increment of
// ReadSeqNum until ReadSeqNum == ackSeq. Acks that are not newer than
// ReadSeqNum are ignored (duplicate/stale acks).
func (q *PTCPQueue) Ack(ackSeq uint32) {
	if int32(ackSeq-q.cur.ReadSeqNum) <= 0 {
		return
	}
	for {
		size := Convert(q.toLittle, q.slot(q.cur.ReadIdx).Size)
		q.cur.ReadIdx += (uint32(size) + HeaderSize - 1) / HeaderSize
		q.cur.ReadSeqNum++
		if q.cur.ReadSeqNum == ackSeq {
			break
		}
	}
	if q.cur.ReadIdx == q.cur.WriteIdx {
		q.cur.ReadIdx, q.cur.WriteIdx, q.cur.SendIdx = 0, 0, 0
	}
}

// MyAck returns a pointer to the cumulative ack this queue will stamp into
// the next outgoing frame -- the connection layer increments *MyAck() once
// per complete inbound frame it processes.
func (q *PTCPQueue) MyAck() *uint32 { return &q.cur.AckSeqNum }

// SanityCheckAndGetSeq walks every stored frame from ReadIdx to WriteIdx,
// verifying each frame's stamped ack_seq never claims to have received
// something we haven't (yet) received ourselves, and that frames pack
// exactly up to WriteIdx. On success it returns the sequence-number range
// [seqStart, seqEnd) this queue claims to have sent and still holds.
// Run once at reconnect; failure is fatal for the connection.
func (q *PTCPQueue) SanityCheckAndGetSeq() (seqStart, seqEnd uint32, ok bool) {
	end := q.cur.ReadSeqNum
	idx := q.cur.ReadIdx
	for idx < q.cur.WriteIdx {
		h := *q.slot(idx)
		h.ConvertByteOrder(q.toLittle)
		if int32(q.cur.AckSeqNum-h.AckSeq) < 0 {
			return 0, 0, false
		}
		idx += (uint32(h.Size) + HeaderSize - 1) / HeaderSize
		end++
	}
	if idx != q.cur.WriteIdx {
		return 0, 0, false
	}
	return q.cur.ReadSeqNum, end, true
}
