package tcpshm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestPTCP(t *testing.T, blkCnt uint32) *PTCPQueue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a_b.ptcp")
	q, fresh, err := OpenPTCPQueue(path, blkCnt, true)
	require.NoError(t, err)
	require.True(t, fresh)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPTCPQueueAllocPushInvariant(t *testing.T) {
	q := openTestPTCP(t, 128)
	for i := 0; i < 5; i++ {
		h, ok := q.Alloc(64)
		require.True(t, ok)
		h.MsgType = 1
		q.Push()
		require.LessOrEqual(t, q.cur.ReadIdx, q.cur.SendIdx)
		require.LessOrEqual(t, q.cur.SendIdx, q.cur.WriteIdx)
	}
}

func TestPTCPQueueCompaction(t *testing.T) {
	// 128 slots, each 64-byte payload frame takes ceil((64+8)/8)=9 slots.
	// 14 frames fit (126 slots); the 15th needs compaction to have room.
	q := openTestPTCP(t, 128)
	for i := 0; i < 14; i++ {
		h, ok := q.Alloc(64)
		require.True(t, ok, "frame %d should fit before overflow", i)
		h.MsgType = 1
		q.Push()
	}
	_, ok := q.Alloc(64)
	require.False(t, ok, "15th frame should not fit without reclaiming space")

	// Mark every frame sent (a peer can only ack what it has received, which
	// keeps ReadIdx <= SendIdx), then ack the first 8 frames so compaction
	// can reclaim their slots.
	_, n := q.GetSendable()
	q.Sendout(n)
	q.Ack(8)
	require.Equal(t, uint32(8*9), q.cur.ReadIdx, "acking 8 of 14 frames advances ReadIdx past their 72 slots")

	h, ok := q.Alloc(64)
	require.True(t, ok, "alloc after acking 8 frames should succeed via in-place compaction")
	h.MsgType = 1
	q.Push()
	require.Equal(t, uint32(7*9), q.cur.WriteIdx-q.cur.ReadIdx, "6 surviving frames plus the new one, 9 slots each")

	sendable, n := q.GetSendable()
	require.Equal(t, int(n)*HeaderSize, len(sendable))
}

func TestPTCPQueueAckIgnoresStaleAcks(t *testing.T) {
	q := openTestPTCP(t, 128)
	h, ok := q.Alloc(8)
	require.True(t, ok)
	h.MsgType = 1
	q.Push()
	*q.MyAck() = 1
	q.Ack(1)
	before := q.cur.ReadIdx
	q.Ack(0) // stale, must be a no-op
	require.Equal(t, before, q.cur.ReadIdx)
}

func TestPTCPQueueSanityCheckAndGetSeq(t *testing.T) {
	q := openTestPTCP(t, 128)
	for i := 0; i < 3; i++ {
		h, ok := q.Alloc(8)
		require.True(t, ok)
		h.MsgType = 1
		q.Push()
	}
	start, end, ok := q.SanityCheckAndGetSeq()
	require.True(t, ok)
	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(3), end)
}

func TestPTCPQueueLoginAckRewindsSendIdx(t *testing.T) {
	q := openTestPTCP(t, 128)
	for i := 0; i < 3; i++ {
		h, ok := q.Alloc(8)
		require.True(t, ok)
		h.MsgType = 1
		q.Push()
	}
	_, n := q.GetSendable()
	q.Sendout(n)
	require.Equal(t, q.cur.WriteIdx, q.cur.SendIdx, "Sendout should catch SendIdx up to WriteIdx")

	q.LoginAck(0) // nothing acked yet, but must rewind SendIdx back to ReadIdx
	require.Equal(t, q.cur.ReadIdx, q.cur.SendIdx)
}
