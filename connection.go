package tcpshm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/xid"
	"github.com/sagernet/sing/common/bufio"
	"github.com/sirupsen/logrus"
	"github.com/tcpshm-go/tcpshm/internal/mmap"
)

// ConnState is the per-Connection state machine described in spec.md
// section 4.4: Connecting -> LoggingIn -> (SeqMismatch | Established),
// Established -> Closing -> Closed, with direct-to-Closed transitions from
// any earlier state on error.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateLoggingIn
	StateEstablished
	StateSeqMismatch
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggingIn:
		return "logging_in"
	case StateEstablished:
		return "established"
	case StateSeqMismatch:
		return "seq_mismatch"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LoginMsg is the handshake frame a client sends right after dialing. It is
// never laid over MsgHeader-sized wire slots directly -- unlike steady-state
// frames it has a variable-length trailing UserData -- so it gets its own
// small encode/decode pair instead of reusing headerAt.
type LoginMsg struct {
	ClientName      [NameSize]byte
	UseShm          bool
	LastSeqSent     uint32
	LastSeqReceived uint32
	UserData        []byte
}

// LoginStatus is the accepted/rejected outcome carried in LoginRspMsg.
type LoginStatus uint8

const (
	LoginAccepted LoginStatus = 0
	LoginRejected LoginStatus = 1
)

// LoginRspMsg is the server's handshake reply. ErrorMsg is populated only
// when Status == LoginRejected; UserData only when Status == LoginAccepted.
type LoginRspMsg struct {
	ServerName      [NameSize]byte
	Status          LoginStatus
	LastSeqSent     uint32
	LastSeqReceived uint32
	UserData        []byte
	ErrorMsg        string
}

func packName(name string) [NameSize]byte {
	var b [NameSize]byte
	copy(b[:], name)
	return b
}

func unpackName(b [NameSize]byte) string {
	n := bytes.IndexByte(b[:], 0)
	if n < 0 {
		n = NameSize
	}
	return string(b[:n])
}

// encodeLoginMsg serializes a LoginMsg's fixed fields followed by UserData.
func encodeLoginMsg(m *LoginMsg, toLittle bool) []byte {
	buf := make([]byte, NameSize+1+4+4+len(m.UserData))
	copy(buf, m.ClientName[:])
	if m.UseShm {
		buf[NameSize] = 1
	}
	putU32(buf[NameSize+1:], m.LastSeqSent, toLittle)
	putU32(buf[NameSize+5:], m.LastSeqReceived, toLittle)
	copy(buf[NameSize+9:], m.UserData)
	return buf
}

func decodeLoginMsg(buf []byte, toLittle bool) (*LoginMsg, error) {
	if len(buf) < NameSize+9 {
		return nil, fmt.Errorf("tcpshm: login frame too short: %d bytes", len(buf))
	}
	m := &LoginMsg{
		UseShm:          buf[NameSize] != 0,
		LastSeqSent:     getU32(buf[NameSize+1:], toLittle),
		LastSeqReceived: getU32(buf[NameSize+5:], toLittle),
	}
	copy(m.ClientName[:], buf[:NameSize])
	if len(buf) > NameSize+9 {
		m.UserData = append([]byte(nil), buf[NameSize+9:]...)
	}
	return m, nil
}

const errMsgSize = 64

func encodeLoginRspMsg(m *LoginRspMsg, toLittle bool) []byte {
	buf := make([]byte, NameSize+1+4+4+errMsgSize+len(m.UserData))
	copy(buf, m.ServerName[:])
	buf[NameSize] = byte(m.Status)
	putU32(buf[NameSize+1:], m.LastSeqSent, toLittle)
	putU32(buf[NameSize+5:], m.LastSeqReceived, toLittle)
	if m.Status == LoginRejected {
		copy(buf[NameSize+9:NameSize+9+errMsgSize], m.ErrorMsg)
	} else {
		copy(buf[NameSize+9+errMsgSize:], m.UserData)
	}
	return buf
}

func decodeLoginRspMsg(buf []byte, toLittle bool) (*LoginRspMsg, error) {
	if len(buf) < NameSize+9+errMsgSize {
		return nil, fmt.Errorf("tcpshm: login response frame too short: %d bytes", len(buf))
	}
	m := &LoginRspMsg{
		Status:          LoginStatus(buf[NameSize]),
		LastSeqSent:     getU32(buf[NameSize+1:], toLittle),
		LastSeqReceived: getU32(buf[NameSize+5:], toLittle),
	}
	copy(m.ServerName[:], buf[:NameSize])
	if m.Status == LoginRejected {
		raw := buf[NameSize+9 : NameSize+9+errMsgSize]
		n := bytes.IndexByte(raw, 0)
		if n < 0 {
			n = len(raw)
		}
		m.ErrorMsg = string(raw[:n])
	} else if len(buf) > NameSize+9+errMsgSize {
		m.UserData = append([]byte(nil), buf[NameSize+9+errMsgSize:]...)
	}
	return m, nil
}

func putU32(b []byte, v uint32, toLittle bool) {
	v = Convert(toLittle, v)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte, toLittle bool) uint32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return Convert(toLittle, v)
}

// ClientHandler is the capability set a Client[U] invokes, recovered from
// original_source's market_data_client.h. U is the connection's private
// scratch-data type, the CRTP replacement described in SPEC_FULL.md 3.
type ClientHandler[U any] interface {
	OnSystemError(errMsg string, sysErrno error)
	OnLoginReject(rsp *LoginRspMsg)
	OnLoginSuccess(rsp *LoginRspMsg) (nowNs int64)
	OnSeqNumberMismatch(localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32)
	OnServerMsg(header *MsgHeader, payload []byte)
	OnDisconnected(reason string, sysErrno error)
}

// ServerHandler is the capability set a Server[U] invokes, recovered from
// original_source's market_data_server.h.
type ServerHandler[U any] interface {
	OnSystemError(errMsg string, sysErrno error)
	OnNewConnection(addr net.Addr, login *LoginMsg, rsp *LoginRspMsg) (group int32)
	OnClientFileError(conn *Connection[U], errMsg string, sysErrno error)
	OnSeqNumberMismatch(conn *Connection[U], localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32)
	OnClientLogon(addr net.Addr, conn *Connection[U])
	OnClientDisconnected(conn *Connection[U], reason string, sysErrno error)
	OnClientMsg(conn *Connection[U], header *MsgHeader, payload []byte)
}

// shmFileNames computes the two SPSC file names for a (client, server) pair.
// Both peers compute names from the same (client, server) ordering -- not
// "local/remote", which differs per side -- so they agree on one physical
// pair of files regardless of which side is asking. send/recv is from the
// client's point of view: .shm_send is the client's outbound queue (c2s),
// .shm_recv the client's inbound queue (s2c).
func shmFileNames(dir, clientName, serverName string) (c2s, s2c string) {
	base := clientName + "_" + serverName
	return filepath.Join(dir, base+".shm_send"), filepath.Join(dir, base+".shm_recv")
}

func ptcpFileName(dir, localName, remoteName string) string {
	return filepath.Join(dir, localName+"_"+remoteName+".ptcp")
}

// Connection holds the state of one session: its PTCP send queue, the TCP
// socket it is carried over, the optional SHM queue pair, and the
// application-private scratch slot U. Exactly one polling goroutine may
// touch a Connection's PTCP/socket state at a time (spec.md section 5).
type Connection[U any] struct {
	cfg        *Config
	logger     *logrus.Entry
	metrics    *metrics
	localName  string
	remoteName string
	useShm     bool
	id         xid.ID

	fileWatchers []*fsnotify.Watcher

	state atomic.Int32
	nc    net.Conn

	// vecWriter lets flushOutbound coalesce a due heartbeat and a pending
	// PTCP send window into one writev(2) instead of two Write calls, the
	// same vectorised-send shape the teacher's sendLoop uses for its
	// frame header + payload pair. Nil when the underlying conn doesn't
	// support it, in which case flushOutbound falls back to plain Write.
	vecWriter bufio.VectorisedWriter

	ptcp    *PTCPQueue
	shmSend *SPSCQueue
	shmRecv *SPSCQueue

	recvBuf    []byte
	recvLen    int
	sendOffset int // bytes of the current GetSendable() window already written

	lastSendNs int64
	lastRecvNs int64

	closed atomic.Bool

	UserData U
}

func newConnection[U any](cfg *Config, m *metrics, localName, remoteName string, useShm bool, nc net.Conn) (*Connection[U], error) {
	ptcpPath := ptcpFileName(cfg.Dir, localName, remoteName)
	ptcp, _, err := OpenPTCPQueue(ptcpPath, cfg.TcpQueueSize/HeaderSize, cfg.ToLittleEndian)
	if err != nil {
		return nil, &FileError{Path: ptcpPath, Err: err}
	}
	id := xid.New()
	c := &Connection[U]{
		cfg:        cfg,
		logger:     connLog(cfg.logger(), remoteName, useShm).WithField("conn_id", id.String()),
		metrics:    m,
		localName:  localName,
		remoteName: remoteName,
		useShm:     useShm,
		id:         id,
		nc:         nc,
		ptcp:       ptcp,
		recvBuf:    make([]byte, cfg.TcpRecvBufInitSize),
	}
	c.vecWriter, _ = bufio.CreateVectorisedWriter(nc)
	c.watchFile(ptcpPath)
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// watchFile arms a directory-removal watch on path, logging via this
// connection's xid-tagged logger rather than affecting control flow -- see
// mmap.WatchRemoval. Watch failures are non-fatal; they only mean a removed
// file surfaces later as a plain mmap error instead of a logged warning.
func (c *Connection[U]) watchFile(path string) {
	w, err := mmap.WatchRemoval(path, func() {
		c.logger.WithField("path", path).Warn("backing file removed or renamed while mapped")
	})
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Debug("could not arm file removal watch")
		return
	}
	c.fileWatchers = append(c.fileWatchers, w)
}

// openShm maps the two SPSC files for this connection. sendPath is the
// queue this side writes; recvPath is the queue this side reads.
func (c *Connection[U]) openShm(sendPath, recvPath string) error {
	blkCnt := c.cfg.ShmQueueSize / spscBlockSize
	send, _, err := OpenSPSCQueue(sendPath, blkCnt, true)
	if err != nil {
		return &FileError{Path: sendPath, Err: err}
	}
	recv, _, err := OpenSPSCQueue(recvPath, blkCnt, true)
	if err != nil {
		send.Close()
		return &FileError{Path: recvPath, Err: err}
	}
	c.shmSend = send
	c.shmRecv = recv
	c.watchFile(sendPath)
	c.watchFile(recvPath)
	return nil
}

func (c *Connection[U]) State() ConnState { return ConnState(c.state.Load()) }
func (c *Connection[U]) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *Connection[U]) RemoteName() string { return c.remoteName }
func (c *Connection[U]) LocalName() string  { return c.localName }
func (c *Connection[U]) UseShm() bool       { return c.useShm }

// Alloc reserves room for an outbound payload. If the session negotiated
// SHM it allocates from the outbound SPSC queue; otherwise from the PTCP
// queue. Returns (nil, false) when there isn't room -- not an error.
func (c *Connection[U]) Alloc(payloadSize uint16) (*MsgHeader, bool) {
	if c.useShm {
		h, ok := c.shmSend.Alloc(payloadSize)
		if !ok && c.metrics != nil {
			c.metrics.queueFullEvent("shm")
		}
		return h, ok
	}
	h, ok := c.ptcp.Alloc(payloadSize)
	if !ok && c.metrics != nil {
		c.metrics.queueFullEvent("ptcp")
	}
	return h, ok
}

// Push publishes the frame most recently returned by Alloc.
func (c *Connection[U]) Push() {
	if c.useShm {
		c.shmSend.Push()
		return
	}
	c.ptcp.Push()
}

// IsClosed reports whether Close has been called. Safe to call from any
// goroutine; the owning poll loop observes it on its next iteration.
func (c *Connection[U]) IsClosed() bool { return c.closed.Load() }

// Close marks the connection for teardown. Idempotent.
func (c *Connection[U]) Close() {
	c.closed.Store(true)
}

func (c *Connection[U]) finalize(reason string, sysErrno error) {
	c.setState(StateClosed)
	if c.nc != nil {
		c.nc.Close()
	}
	if c.ptcp != nil {
		c.ptcp.Close()
	}
	if c.shmSend != nil {
		c.shmSend.Close()
	}
	if c.shmRecv != nil {
		c.shmRecv.Close()
	}
	for _, w := range c.fileWatchers {
		w.Close()
	}
	if c.metrics != nil {
		c.metrics.connClosed(reason)
	}
}

// growRecvBuf doubles the receive buffer up to TcpRecvBufMaxSize to fit a
// pending frame of need bytes. Returns false if need exceeds the max, which
// is a fatal, oversized-frame disconnect per spec.md section 4.4.
func (c *Connection[U]) growRecvBuf(need int) bool {
	if need > int(c.cfg.TcpRecvBufMaxSize) {
		return false
	}
	newSize := len(c.recvBuf)
	if newSize == 0 {
		newSize = int(c.cfg.TcpRecvBufInitSize)
	}
	for newSize < need {
		newSize *= 2
	}
	if newSize > int(c.cfg.TcpRecvBufMaxSize) {
		newSize = int(c.cfg.TcpRecvBufMaxSize)
	}
	buf := make([]byte, newSize)
	copy(buf, c.recvBuf[:c.recvLen])
	c.recvBuf = buf
	return true
}

// compactRecvBuf shrinks the buffer back to TcpRecvBufInitSize once the
// unread residual fits, matching spec.md's "compacts when the residual fits
// back into the initial size".
func (c *Connection[U]) compactRecvBuf() {
	if c.recvLen <= int(c.cfg.TcpRecvBufInitSize) && len(c.recvBuf) > int(c.cfg.TcpRecvBufInitSize) {
		buf := make([]byte, c.cfg.TcpRecvBufInitSize)
		copy(buf, c.recvBuf[:c.recvLen])
		c.recvBuf = buf
	}
}

// dueForHeartbeat reports whether nowNs is at least HeartBeatInterval past
// the last frame this side sent. nowNs is always the caller-supplied clock
// passed into PollTcp, never a wall-clock read inside the library (spec.md
// section 5).
func (c *Connection[U]) dueForHeartbeat(nowNs int64) bool {
	return nowNs-c.lastSendNs >= int64(c.cfg.HeartBeatInterval)
}

// timedOut reports whether nowNs is at least ConnectionTimeout past the
// last frame received from the peer.
func (c *Connection[U]) timedOut(nowNs int64) bool {
	return nowNs-c.lastRecvNs >= int64(c.cfg.ConnectionTimeout)
}

// markSent/markRecv record the caller-supplied clock reading at which this
// side last sent or received a frame; used by dueForHeartbeat/timedOut.
func (c *Connection[U]) markSent(nowNs int64) { c.lastSendNs = nowNs }
func (c *Connection[U]) markRecv(nowNs int64) { c.lastRecvNs = nowNs }

// pollTCP performs one non-blocking read/parse/dispatch/flush/heartbeat
// pass over the TCP socket, per spec.md section 4.4's steady state and
// section 5's "non-blocking, spin-poll" model. onMsg is invoked once per
// complete application frame with a host-byte-order header and the raw
// payload bytes (still backed by the receive buffer -- callers must copy
// anything they need to keep past the next pollTCP call). A non-empty
// closeReason means the caller must finalize the connection.
func (c *Connection[U]) pollTCP(nowNs int64, onMsg func(*MsgHeader, []byte)) (closeReason string, sysErr error) {
	// A deadline at or before now makes Go fail the call without trying it,
	// so each non-blocking attempt gets a one-microsecond deadline instead.
	c.nc.SetReadDeadline(time.Now().Add(time.Microsecond))
	n, err := c.nc.Read(c.recvBuf[c.recvLen:])
	if n > 0 {
		c.recvLen += n
		c.markRecv(nowNs)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// no data currently available; not an error
		} else if errors.Is(err, io.EOF) {
			return "remote_close", nil
		} else {
			return "io_error", err
		}
	}

	offset := 0
	for c.recvLen-offset >= HeaderSize {
		h := headerAt(c.recvBuf, offset)
		size := int(Convert(c.cfg.ToLittleEndian, h.Size))
		if size < HeaderSize {
			return "protocol_error", fmt.Errorf("tcpshm: invalid frame size %d", size)
		}
		if c.recvLen-offset < size {
			if offset > 0 {
				c.recvLen = copy(c.recvBuf, c.recvBuf[offset:c.recvLen])
				offset = 0
			}
			if !c.growRecvBuf(size) {
				return "oversized", ErrOversizedFrame
			}
			break
		}
		msgType := Convert(c.cfg.ToLittleEndian, h.MsgType)
		ackSeq := Convert(c.cfg.ToLittleEndian, h.AckSeq)
		if msgType != msgTypeHeartbeat {
			ack := c.ptcp.MyAck()
			*ack++
			hdr := MsgHeader{Size: uint16(size), MsgType: msgType, AckSeq: ackSeq}
			if c.metrics != nil {
				c.metrics.received(size)
			}
			onMsg(&hdr, payloadAt(c.recvBuf, offset, uint16(size)))
		}
		c.ptcp.Ack(ackSeq)
		offset += size
	}
	if offset > 0 {
		c.recvLen = copy(c.recvBuf, c.recvBuf[offset:c.recvLen])
		c.compactRecvBuf()
	}

	if err := c.flushOutbound(nowNs); err != nil {
		return "io_error", err
	}
	if c.timedOut(nowNs) {
		if c.metrics != nil {
			c.metrics.heartbeatTimeout()
		}
		return "timeout", nil
	}
	return "", nil
}

// fillHeartbeat stamps a zero-payload heartbeat frame into buf, which must
// be at least HeaderSize long.
func (c *Connection[U]) fillHeartbeat(buf []byte) {
	h := headerAt(buf, 0)
	h.Size = HeaderSize
	h.MsgType = msgTypeHeartbeat
	h.AckSeq = *c.ptcp.MyAck()
	h.ConvertByteOrder(c.cfg.ToLittleEndian)
}

// flushOutbound writes the PTCP queue's not-yet-sent window and, if due, a
// heartbeat frame. Heartbeats are never stored in the PTCP ring -- there is
// nothing to retransmit, they exist only to keep ConnectionTimeout from
// firing -- so when both are ready in the same poll tick it coalesces them
// into a single vectorised write, the same two-buffer writev(2) shape the
// teacher's sendLoop uses for a frame's header and payload. Partial writes
// of the PTCP window are tracked across calls via sendOffset; a heartbeat
// is only folded into the vectorised write when no such partial write is
// already in flight, keeping the retry path a plain single-buffer Write.
func (c *Connection[U]) flushOutbound(nowNs int64) error {
	sendBuf, blkCnt := c.ptcp.GetSendable()
	pending := sendBuf[c.sendOffset:]
	heartbeatDue := c.dueForHeartbeat(nowNs)

	if heartbeatDue && len(pending) > 0 && c.sendOffset == 0 && c.vecWriter != nil {
		var hbBuf [HeaderSize]byte
		c.fillHeartbeat(hbBuf[:])
		c.nc.SetWriteDeadline(time.Now().Add(time.Microsecond))
		n, err := bufio.WriteVectorised(c.vecWriter, [][]byte{hbBuf[:], pending})
		if n >= HeaderSize {
			c.markSent(nowNs)
			n -= HeaderSize
		} else {
			n = 0
		}
		if n > 0 {
			c.sendOffset += n
			if c.metrics != nil {
				c.metrics.sent(n)
			}
		}
		if c.sendOffset == len(sendBuf) {
			c.ptcp.Sendout(blkCnt)
			c.sendOffset = 0
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			return err
		}
		return nil
	}

	if len(pending) > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(time.Microsecond))
		n, err := c.nc.Write(pending)
		if n > 0 {
			c.sendOffset += n
			c.markSent(nowNs)
			if c.metrics != nil {
				c.metrics.sent(n)
			}
		}
		if c.sendOffset == len(sendBuf) {
			c.ptcp.Sendout(blkCnt)
			c.sendOffset = 0
		}
		if err != nil {
			var ne net.Error
			if !(errors.As(err, &ne) && ne.Timeout()) {
				return err
			}
		}
	}

	if heartbeatDue {
		var buf [HeaderSize]byte
		c.fillHeartbeat(buf[:])
		c.nc.SetWriteDeadline(time.Now().Add(time.Microsecond))
		n, err := c.nc.Write(buf[:])
		if n > 0 {
			c.markSent(nowNs)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil
			}
			return err
		}
	}
	return nil
}

// pollSHM drains the inbound SPSC queue, invoking onMsg for every frame
// currently available. SHM frames carry no ack_seq and are never
// retransmitted (spec.md section 4.4's "SHM parallel path").
func (c *Connection[U]) pollSHM(onMsg func(*MsgHeader, []byte)) {
	for {
		h, payload := c.shmRecv.FrontPayload()
		if h == nil {
			return
		}
		hdr := *h
		onMsg(&hdr, payload)
		c.shmRecv.Pop()
	}
}
