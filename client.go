package tcpshm

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Client owns exactly one Connection and drives its handshake and steady
// state, per spec.md section 4.5. The PTCP queue for (localName,
// remoteName) is opened by Connect, which recovers its LastSeqSent/
// LastSeqReceived and offers them in the LoginMsg before the socket ever
// sends user data.
type Client[U any] struct {
	cfg        Config
	handler    ClientHandler[U]
	localName  string
	remoteName string
	metrics    *metrics
	logger     *logrus.Entry

	conn *Connection[U]
}

// NewClient validates cfg and prepares a Client for this (localName,
// remoteName) pair. It does not open any files or dial; call Connect to
// recover the PTCP queue and perform the network handshake.
func NewClient[U any](cfg Config, localName, remoteName string, handler ClientHandler[U]) (*Client[U], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := newMetrics(cfg.Registerer, "client")
	c := &Client[U]{
		cfg:        cfg,
		handler:    handler,
		localName:  localName,
		remoteName: remoteName,
		metrics:    m,
		logger:     connLog(cfg.logger(), remoteName, false),
	}
	return c, nil
}

// Connect dials host:port, performs the synchronous login handshake and
// sequence reconciliation described in spec.md section 4.4, and leaves the
// Client ready for PollTcp/PollShm. On a sequence mismatch the socket is
// left open and the Connection is kept in StateSeqMismatch (GetConnection
// returns it); on any other failure the underlying socket is closed and no
// Connection is kept.
func (c *Client[U]) Connect(useShm bool, host string, port uint16, loginUserData []byte) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	nc, err := net.DialTimeout("tcp", addr, c.cfg.ConnectionTimeout)
	if err != nil {
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("dial", err)
		return &SystemError{Msg: "dial " + addr, Errno: err}
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(c.cfg.TcpNoDelay)
	}

	conn, err := newConnection[U](&c.cfg, c.metrics, c.localName, c.remoteName, useShm, nc)
	if err != nil {
		nc.Close()
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("open ptcp queue", err)
		return err
	}
	conn.setState(StateLoggingIn)

	seqStart, seqEnd, ok := conn.ptcp.SanityCheckAndGetSeq()
	if !ok {
		nc.Close()
		conn.ptcp.Close()
		err := fmt.Errorf("tcpshm: local ptcp queue failed sanity check")
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("sanity check", err)
		return err
	}

	login := &LoginMsg{
		ClientName:      packName(c.localName),
		UseShm:          useShm,
		LastSeqSent:     seqEnd,
		LastSeqReceived: *conn.ptcp.MyAck(),
		UserData:        loginUserData,
	}
	nc.SetWriteDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	if err := writeFrame(nc, msgTypeLogin, encodeLoginMsg(login, c.cfg.ToLittleEndian), c.cfg.ToLittleEndian); err != nil {
		nc.Close()
		conn.ptcp.Close()
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("send login", err)
		return &SystemError{Msg: "send login", Errno: err}
	}

	nc.SetReadDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	msgType, payload, err := readFrame(nc, c.cfg.TcpRecvBufMaxSize, c.cfg.ToLittleEndian)
	if err != nil {
		nc.Close()
		conn.ptcp.Close()
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("read login response", err)
		return &SystemError{Msg: "read login response", Errno: err}
	}
	if msgType != msgTypeLoginRsp {
		nc.Close()
		conn.ptcp.Close()
		err := fmt.Errorf("tcpshm: expected login response frame, got msg_type %d", msgType)
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("read login response", err)
		return err
	}
	rsp, err := decodeLoginRspMsg(payload, c.cfg.ToLittleEndian)
	if err != nil {
		nc.Close()
		conn.ptcp.Close()
		c.logCallback("OnSystemError")
		c.handler.OnSystemError("decode login response", err)
		return err
	}
	if rsp.Status == LoginRejected {
		nc.Close()
		conn.ptcp.Close()
		conn.setState(StateClosed)
		c.logCallback("OnLoginReject")
		c.handler.OnLoginReject(rsp)
		return ErrLoginRejected
	}

	mismatch := false
	if int32(rsp.LastSeqReceived-seqStart) < 0 || int32(rsp.LastSeqReceived-seqEnd) > 0 {
		mismatch = true
	}
	if int32(rsp.LastSeqSent-*conn.ptcp.MyAck()) < 0 {
		mismatch = true
	}
	if mismatch {
		conn.setState(StateSeqMismatch)
		c.logCallback("OnSeqNumberMismatch")
		c.handler.OnSeqNumberMismatch(*conn.ptcp.MyAck(), seqStart, seqEnd, rsp.LastSeqReceived, rsp.LastSeqReceived, rsp.LastSeqSent)
		c.conn = conn
		return &SeqMismatch{
			LocalAckSeq: *conn.ptcp.MyAck(), LocalSeqStart: seqStart, LocalSeqEnd: seqEnd,
			RemoteAckSeq: rsp.LastSeqReceived, RemoteSeqStart: rsp.LastSeqReceived, RemoteSeqEnd: rsp.LastSeqSent,
		}
	}
	conn.ptcp.LoginAck(rsp.LastSeqReceived)

	if useShm {
		c2s, s2c := shmFileNames(c.cfg.Dir, c.localName, c.remoteName)
		if err := conn.openShm(c2s, s2c); err != nil {
			nc.Close()
			conn.ptcp.Close()
			c.logCallback("OnSystemError")
			c.handler.OnSystemError("open shm queues", err)
			return err
		}
	}

	conn.setState(StateEstablished)
	c.logCallback("OnLoginSuccess")
	nowNs := c.handler.OnLoginSuccess(rsp)
	conn.markSent(nowNs)
	conn.markRecv(nowNs)
	c.conn = conn
	if c.metrics != nil {
		c.metrics.connEstablished()
	}
	return nil
}

// GetConnection returns the underlying Connection, or nil before Connect
// succeeds or reports a sequence mismatch.
func (c *Client[U]) GetConnection() *Connection[U] { return c.conn }

// PollTcp drives one iteration of the TCP steady-state loop: read, dispatch,
// flush outbound, heartbeat, timeout check. nowNs is a caller-supplied
// monotonic clock reading.
func (c *Client[U]) PollTcp(nowNs int64) {
	conn := c.conn
	if conn == nil || conn.IsClosed() || conn.State() != StateEstablished {
		return
	}
	reason, err := conn.pollTCP(nowNs, func(h *MsgHeader, payload []byte) {
		c.logCallback("OnServerMsg")
		c.handler.OnServerMsg(h, payload)
	})
	if reason != "" {
		conn.finalize(reason, err)
		c.logCallback("OnDisconnected")
		c.handler.OnDisconnected(reason, err)
	}
}

// PollShm drains the inbound SHM queue, if this session negotiated SHM.
// Must still be accompanied by PollTcp to exchange heartbeats.
func (c *Client[U]) PollShm() {
	conn := c.conn
	if conn == nil || conn.IsClosed() || conn.State() != StateEstablished || !conn.useShm {
		return
	}
	conn.pollSHM(func(h *MsgHeader, payload []byte) {
		c.logCallback("OnServerMsg")
		c.handler.OnServerMsg(h, payload)
	})
}

// logCallback emits the Debug line SPEC_FULL.md's ambient-logging section
// promises ahead of every handler callback, carrying this client's
// local/remote name as fields (Client has no group concept).
func (c *Client[U]) logCallback(event string) {
	c.logger.WithFields(logrus.Fields{"callback": event, "local": c.localName, "remote": c.remoteName}).Debug("invoking handler callback")
}

// Stop closes the connection. Idempotent.
func (c *Client[U]) Stop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn.finalize("stopped", nil)
	}
}

// writeFrame writes a header+payload frame with a blocking deadline already
// set on nc by the caller. Used only for the synchronous handshake; the
// steady-state path writes PTCP slot bytes directly via flushOutbound.
func writeFrame(nc net.Conn, msgType uint16, payload []byte, toLittle bool) error {
	buf := make([]byte, HeaderSize+len(payload))
	h := headerAt(buf, 0)
	h.Size = uint16(len(buf))
	h.MsgType = msgType
	h.AckSeq = 0
	h.ConvertByteOrder(toLittle)
	copy(buf[HeaderSize:], payload)
	_, err := nc.Write(buf)
	return err
}

// readFrame blocks (subject to nc's deadline) until one full frame arrives,
// returning its msg_type and payload.
func readFrame(nc net.Conn, maxSize uint32, toLittle bool) (uint16, []byte, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(nc, hbuf[:]); err != nil {
		return 0, nil, err
	}
	h := headerAt(hbuf[:], 0)
	h.ConvertByteOrder(toLittle)
	if h.Size < HeaderSize || uint32(h.Size) > maxSize {
		return 0, nil, fmt.Errorf("tcpshm: invalid frame size %d", h.Size)
	}
	payload := make([]byte, int(h.Size)-HeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(nc, payload); err != nil {
			return 0, nil, err
		}
	}
	return h.MsgType, payload, nil
}
