package tcpshm

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// grpSlot is one fixed-capacity slot of a group, guarded by a single atomic
// occupancy flag. The group's poll goroutine claims the slot when it drains
// a connection the control goroutine handed over through the pending
// channel, and releases it when that connection closes.
type grpSlot[U any] struct {
	occupied atomic.Bool
	conn     *Connection[U]
}

// group is one poll unit: a fixed array of slots plus the pending-
// acceptance channel the control goroutine hands newly logged-in
// connections through, drained once per poll iteration (spec.md section 5).
// idx is this group's position in its TCP/SHM pool, carried on every log
// line emitted for connections it owns.
type group[U any] struct {
	idx     int
	slots   []grpSlot[U]
	pending chan *Connection[U]
}

func newGroup[U any](capacity uint32, idx int) *group[U] {
	return &group[U]{
		idx:     idx,
		slots:   make([]grpSlot[U], capacity),
		pending: make(chan *Connection[U], capacity),
	}
}

func (g *group[U]) claim(c *Connection[U]) bool {
	for i := range g.slots {
		if g.slots[i].occupied.CompareAndSwap(false, true) {
			g.slots[i].conn = c
			return true
		}
	}
	return false
}

func (g *group[U]) release(c *Connection[U]) {
	for i := range g.slots {
		if g.slots[i].conn == c {
			g.slots[i].conn = nil
			g.slots[i].occupied.Store(false)
			return
		}
	}
}

func (g *group[U]) forEach(fn func(*Connection[U]) bool) bool {
	for i := range g.slots {
		if g.slots[i].occupied.Load() {
			if c := g.slots[i].conn; c != nil {
				if !fn(c) {
					return false
				}
			}
		}
	}
	return true
}

// Server accepts connections on a listening socket and drives them through
// fixed-capacity TCP and SHM groups, per spec.md section 4.6. A connection
// that negotiated SHM is placed only in an SHM group; that group's poll
// goroutine still calls pollTCP on it (TCP continues to carry heartbeats
// and control per spec.md section 4.4) in addition to draining its SHM
// queue, so every connection gets heartbeat/timeout handling regardless of
// which pool holds its slot.
type Server[U any] struct {
	cfg     ServerConfig
	handler ServerHandler[U]
	name    string
	metrics *metrics
	logger  *logrus.Entry

	listener net.Listener

	tcpGroups []*group[U]
	shmGroups []*group[U]

	newConnSem chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewServer validates cfg and preallocates the fixed TCP/SHM group pools.
// It does not listen; call Start to begin accepting connections.
func NewServer[U any](cfg ServerConfig, name string, handler ServerHandler[U]) (*Server[U], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Server[U]{
		cfg:        cfg,
		handler:    handler,
		name:       name,
		metrics:    newMetrics(cfg.Registerer, "server"),
		logger:     cfg.logger().WithField("server", name),
		newConnSem: make(chan struct{}, cfg.MaxNewConnections),
		stopCh:     make(chan struct{}),
	}
	s.tcpGroups = make([]*group[U], cfg.MaxTcpGrps)
	for i := range s.tcpGroups {
		s.tcpGroups[i] = newGroup[U](cfg.MaxTcpConnsPerGrp, i)
	}
	s.shmGroups = make([]*group[U], cfg.MaxShmGrps)
	for i := range s.shmGroups {
		s.shmGroups[i] = newGroup[U](cfg.MaxShmConnsPerGrp, i)
	}
	return s, nil
}

// Start listens on host:port and launches the control goroutine plus one
// poll goroutine per TCP/SHM group.
func (s *Server[U]) Start(host string, port uint16) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &SystemError{Msg: "listen " + addr, Errno: err}
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	for _, g := range s.tcpGroups {
		s.wg.Add(1)
		go s.pollGroup(g, false)
	}
	for _, g := range s.shmGroups {
		s.wg.Add(1)
		go s.pollGroup(g, true)
	}
	return nil
}

func (s *Server[U]) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logCallback("OnSystemError", "", -1)
			s.handler.OnSystemError("accept", err)
			continue
		}
		select {
		case s.newConnSem <- struct{}{}:
			s.wg.Add(1)
			go s.handleNewConnection(nc)
		default:
			// MaxNewConnections pending slots are all busy; reject outright.
			nc.Close()
		}
	}
}

func (s *Server[U]) handleNewConnection(nc net.Conn) {
	defer func() {
		<-s.newConnSem
		s.wg.Done()
	}()
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(s.cfg.TcpNoDelay)
	}
	deadline := time.Now().Add(s.cfg.NewConnectionTimeout)
	nc.SetDeadline(deadline)

	remoteAddr := nc.RemoteAddr().String()

	msgType, payload, err := readFrame(nc, s.cfg.TcpRecvBufMaxSize, s.cfg.ToLittleEndian)
	if err != nil {
		s.logCallback("OnSystemError", remoteAddr, -1)
		s.handler.OnSystemError("read login", err)
		nc.Close()
		return
	}
	if msgType != msgTypeLogin {
		s.logCallback("OnSystemError", remoteAddr, -1)
		s.handler.OnSystemError("read login", fmt.Errorf("tcpshm: expected login frame, got msg_type %d", msgType))
		nc.Close()
		return
	}
	login, err := decodeLoginMsg(payload, s.cfg.ToLittleEndian)
	if err != nil {
		s.logCallback("OnSystemError", remoteAddr, -1)
		s.handler.OnSystemError("decode login", err)
		nc.Close()
		return
	}
	clientName := unpackName(login.ClientName)

	rsp := &LoginRspMsg{ServerName: packName(s.name)}
	s.logCallback("OnNewConnection", clientName, -1)
	groupID := s.handler.OnNewConnection(nc.RemoteAddr(), login, rsp)
	if groupID < 0 {
		rsp.Status = LoginRejected
		nc.SetWriteDeadline(deadline)
		writeFrame(nc, msgTypeLoginRsp, encodeLoginRspMsg(rsp, s.cfg.ToLittleEndian), s.cfg.ToLittleEndian)
		nc.Close()
		return
	}

	var pool []*group[U]
	if login.UseShm {
		pool = s.shmGroups
	} else {
		pool = s.tcpGroups
	}
	if int(groupID) >= len(pool) {
		s.logCallback("OnSystemError", clientName, groupID)
		s.handler.OnSystemError("group selection", fmt.Errorf("tcpshm: group %d out of range", groupID))
		nc.Close()
		return
	}
	g := pool[groupID]

	conn, err := newConnection[U](&s.cfg.Config, s.metrics, s.name, clientName, login.UseShm, nc)
	if err != nil {
		s.logCallback("OnSystemError", clientName, groupID)
		s.handler.OnSystemError("open ptcp queue", err)
		nc.Close()
		return
	}
	conn.setState(StateLoggingIn)

	seqStart, seqEnd, ok := conn.ptcp.SanityCheckAndGetSeq()
	if !ok {
		conn.finalize("file_error", nil)
		s.logCallback("OnClientFileError", clientName, groupID)
		s.handler.OnClientFileError(conn, "ptcp sanity check failed", nil)
		return
	}

	rsp.Status = LoginAccepted
	rsp.LastSeqSent = seqEnd
	rsp.LastSeqReceived = *conn.ptcp.MyAck()

	mismatch := int32(login.LastSeqReceived-seqStart) < 0 || int32(login.LastSeqReceived-seqEnd) > 0 ||
		int32(login.LastSeqSent-*conn.ptcp.MyAck()) < 0

	if login.UseShm {
		c2s, s2c := shmFileNames(s.cfg.Dir, clientName, s.name)
		if err := conn.openShm(s2c, c2s); err != nil {
			conn.finalize("file_error", nil)
			s.logCallback("OnClientFileError", clientName, groupID)
			s.handler.OnClientFileError(conn, "open shm queues", err)
			return
		}
	}

	nc.SetWriteDeadline(deadline)
	if err := writeFrame(nc, msgTypeLoginRsp, encodeLoginRspMsg(rsp, s.cfg.ToLittleEndian), s.cfg.ToLittleEndian); err != nil {
		conn.finalize("io_error", err)
		s.logCallback("OnSystemError", clientName, groupID)
		s.handler.OnSystemError("send login response", err)
		return
	}

	if mismatch {
		conn.setState(StateSeqMismatch)
		s.logCallback("OnSeqNumberMismatch", clientName, groupID)
		s.handler.OnSeqNumberMismatch(conn, *conn.ptcp.MyAck(), seqStart, seqEnd,
			login.LastSeqReceived, login.LastSeqReceived, login.LastSeqSent)
	} else {
		conn.ptcp.LoginAck(login.LastSeqReceived)
		conn.setState(StateEstablished)
	}

	nc.SetDeadline(time.Time{})
	nowNs := time.Now().UnixNano()
	conn.markSent(nowNs)
	conn.markRecv(nowNs)

	s.logCallback("OnClientLogon", clientName, groupID)
	s.handler.OnClientLogon(nc.RemoteAddr(), conn)
	if s.metrics != nil {
		s.metrics.connEstablished()
	}

	select {
	case g.pending <- conn:
	default:
		conn.finalize("rejected", nil)
		s.logCallback("OnSystemError", clientName, groupID)
		s.handler.OnSystemError("group full", fmt.Errorf("tcpshm: group %d has no free pending slot", groupID))
	}
}

func (s *Server[U]) pollGroup(g *group[U], shm bool) {
	defer s.wg.Done()
	if s.cfg.PinThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

	drain:
		for {
			select {
			case conn := <-g.pending:
				if !g.claim(conn) {
					s.logCallback("OnSystemError", conn.RemoteName(), int32(g.idx))
					s.handler.OnSystemError("group full", fmt.Errorf("tcpshm: group has no free slot for accepted connection"))
					conn.finalize("rejected", nil)
				}
			default:
				break drain
			}
		}

		nowNs := time.Now().UnixNano()
		g.forEach(func(conn *Connection[U]) bool {
			if conn.IsClosed() {
				g.release(conn)
				conn.finalize("closed", nil)
				s.logCallback("OnClientDisconnected", conn.RemoteName(), int32(g.idx))
				s.handler.OnClientDisconnected(conn, "closed", nil)
				return true
			}
			if conn.State() == StateSeqMismatch {
				return true
			}
			reason, err := conn.pollTCP(nowNs, func(h *MsgHeader, payload []byte) {
				s.logCallback("OnClientMsg", conn.RemoteName(), int32(g.idx))
				s.handler.OnClientMsg(conn, h, payload)
			})
			if reason != "" {
				g.release(conn)
				conn.finalize(reason, err)
				s.logCallback("OnClientDisconnected", conn.RemoteName(), int32(g.idx))
				s.handler.OnClientDisconnected(conn, reason, err)
				return true
			}
			if shm && conn.State() == StateEstablished {
				conn.pollSHM(func(h *MsgHeader, payload []byte) {
					s.logCallback("OnClientMsg", conn.RemoteName(), int32(g.idx))
					s.handler.OnClientMsg(conn, h, payload)
				})
			}
			return true
		})
	}
}

// logCallback emits the Debug line SPEC_FULL.md's ambient-logging section
// promises ahead of every handler callback: local/remote name and group
// index as fields, where known. groupID is -1 before a connection has been
// assigned to a pool.
func (s *Server[U]) logCallback(event, remote string, groupID int32) {
	fields := logrus.Fields{"callback": event, "local": s.name, "remote": remote}
	if groupID >= 0 {
		fields["group"] = groupID
	}
	s.logger.WithFields(fields).Debug("invoking handler callback")
}

// Addr returns the listener's bound address. Valid only after Start.
func (s *Server[U]) Addr() net.Addr { return s.listener.Addr() }

// ForEachConn walks every occupied slot of every TCP and SHM group,
// calling fn until it returns false. Recovered from original_source's
// market_data_server.h ForEachConn/active_connections_ broadcast pattern;
// allocation-free.
func (s *Server[U]) ForEachConn(fn func(*Connection[U]) bool) {
	for _, g := range s.tcpGroups {
		if !g.forEach(fn) {
			return
		}
	}
	for _, g := range s.shmGroups {
		if !g.forEach(fn) {
			return
		}
	}
}

// Stop closes the listener, signals every poll goroutine to exit, and tears
// down every connection held in a group slot. The returned error reports
// only a failure to close the listener; errors from closing a connection's
// socket or files are not collected.
func (s *Server[U]) Stop() error {
	close(s.stopCh)
	var result *multierror.Error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	// Wait for the control and group-poll goroutines to observe stopCh and
	// exit before touching any Connection from this goroutine -- they are
	// otherwise each connection's sole owner (spec.md section 5).
	s.wg.Wait()
	s.ForEachConn(func(c *Connection[U]) bool {
		c.finalize("stopped", nil)
		return true
	})
	return result.ErrorOrNil()
}
