package tcpshm

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingServerHandler echoes every received frame back to its sender and
// tracks how many frames (and which, by payload) it has seen, for
// reconnect/sequence-mismatch scenarios that need to assert on delivery
// rather than just "it worked".
type countingServerHandler struct {
	t *testing.T

	mu       sync.Mutex
	received []uint32
	mismatch bool
}

func (h *countingServerHandler) OnSystemError(errMsg string, sysErrno error) {
	h.t.Logf("server system error: %s: %v", errMsg, sysErrno)
}
func (h *countingServerHandler) OnNewConnection(addr net.Addr, login *LoginMsg, rsp *LoginRspMsg) int32 {
	return 0
}
func (h *countingServerHandler) OnClientFileError(conn *Connection[struct{}], errMsg string, sysErrno error) {
	h.t.Logf("server file error: %s: %v", errMsg, sysErrno)
}
func (h *countingServerHandler) OnSeqNumberMismatch(conn *Connection[struct{}], localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32) {
	h.mu.Lock()
	h.mismatch = true
	h.mu.Unlock()
}
func (h *countingServerHandler) OnClientLogon(addr net.Addr, conn *Connection[struct{}]) {}
func (h *countingServerHandler) OnClientDisconnected(conn *Connection[struct{}], reason string, sysErrno error) {
}
func (h *countingServerHandler) OnClientMsg(conn *Connection[struct{}], header *MsgHeader, payload []byte) {
	h.mu.Lock()
	h.received = append(h.received, getU32(payload, true))
	h.mu.Unlock()

	out, ok := conn.Alloc(uint16(len(payload)))
	if !ok {
		h.t.Errorf("server Alloc failed echoing frame")
		return
	}
	out.MsgType = header.MsgType
	copy(PayloadOf(out), payload)
	conn.Push()
}

func (h *countingServerHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func (h *countingServerHandler) sawMismatch() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mismatch
}

type countingClientHandler struct {
	t        *testing.T
	loggedIn chan struct{}

	mu       sync.Mutex
	received []uint32
}

func (h *countingClientHandler) OnSystemError(errMsg string, sysErrno error) {
	h.t.Logf("client system error: %s: %v", errMsg, sysErrno)
}
func (h *countingClientHandler) OnLoginReject(rsp *LoginRspMsg) {
	h.t.Errorf("unexpected login reject: %s", rsp.ErrorMsg)
}
func (h *countingClientHandler) OnLoginSuccess(rsp *LoginRspMsg) int64 {
	select {
	case <-h.loggedIn:
	default:
		close(h.loggedIn)
	}
	return time.Now().UnixNano()
}
func (h *countingClientHandler) OnSeqNumberMismatch(localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32) {
	h.t.Errorf("unexpected client-side seq mismatch")
}
func (h *countingClientHandler) OnServerMsg(header *MsgHeader, payload []byte) {
	h.mu.Lock()
	h.received = append(h.received, getU32(payload, true))
	h.mu.Unlock()
}
func (h *countingClientHandler) OnDisconnected(reason string, sysErrno error) {
	h.t.Logf("client disconnected: %s: %v", reason, sysErrno)
}

func (h *countingClientHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func sendU32Frame(t *testing.T, conn *Connection[struct{}], v uint32) {
	t.Helper()
	h, ok := conn.Alloc(4)
	require.True(t, ok)
	h.MsgType = 1
	putU32(PayloadOf(h), v, true)
	conn.Push()
}

func startPolling(client *Client[struct{}]) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				client.PollTcp(time.Now().UnixNano())
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return func() { close(done) }
}

func serverPort(t *testing.T, server *Server[struct{}]) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(server.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return uint16(port)
}

// Scenario 4: reconnect with acks in flight. The client sends 50 frames,
// waits for all 50 to round-trip (so the server's ack of all 50 has reached
// the client and been reclaimed in its PTCP ring), drops the connection
// without a clean Stop, reconnects, and sends the remaining 50. The server
// must see all 100 payloads exactly once, in order, with no seq mismatch.
func TestReconnectWithAcksInFlight(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.HeartBeatInterval = 10 * time.Second
	cfg.ConnectionTimeout = 30 * time.Second

	srvCfg := DefaultServerConfig()
	srvCfg.Config = cfg
	srvCfg.MaxTcpGrps = 1
	srvCfg.MaxTcpConnsPerGrp = 4

	srvHandler := &countingServerHandler{t: t}
	server, err := NewServer[struct{}](srvCfg, "server", srvHandler)
	require.NoError(t, err)
	require.NoError(t, server.Start("127.0.0.1", 0))
	defer server.Stop()
	port := serverPort(t, server)

	cliHandler := &countingClientHandler{t: t, loggedIn: make(chan struct{})}
	client, err := NewClient[struct{}](cfg, "rc-client", "server", cliHandler)
	require.NoError(t, err)
	require.NoError(t, client.Connect(false, "127.0.0.1", port, nil))

	select {
	case <-cliHandler.loggedIn:
	case <-time.After(2 * time.Second):
		t.Fatal("login success callback never fired")
	}

	// Push before polling starts: only one goroutine may touch a
	// connection's PTCP state at a time.
	for i := uint32(1); i <= 50; i++ {
		sendU32Frame(t, client.GetConnection(), i)
	}
	stop := startPolling(client)
	require.Eventually(t, func() bool { return cliHandler.count() == 50 }, 3*time.Second, 5*time.Millisecond,
		"expected all 50 echoes to round-trip so the client reclaims its PTCP ring up to ack 50")
	stop()

	// Drop the connection abruptly -- the underlying socket, not a clean
	// Stop -- so the PTCP file is left on disk exactly as acked so far.
	client.GetConnection().nc.Close()
	require.Eventually(t, func() bool { return srvHandler.count() == 50 }, 2*time.Second, 5*time.Millisecond)

	cliHandler2 := &countingClientHandler{t: t, loggedIn: make(chan struct{})}
	client2, err := NewClient[struct{}](cfg, "rc-client", "server", cliHandler2)
	require.NoError(t, err)
	require.NoError(t, client2.Connect(false, "127.0.0.1", port, nil))

	select {
	case <-cliHandler2.loggedIn:
	case <-time.After(2 * time.Second):
		t.Fatal("login success callback never fired on reconnect")
	}
	defer client2.Stop()

	for i := uint32(51); i <= 100; i++ {
		sendU32Frame(t, client2.GetConnection(), i)
	}
	stop2 := startPolling(client2)
	defer stop2()

	require.Eventually(t, func() bool { return srvHandler.count() == 100 }, 3*time.Second, 5*time.Millisecond,
		"server should see all 100 payloads, with no re-delivery of the first 50")
	require.False(t, srvHandler.sawMismatch(), "acked-in-flight reconnect must not trigger OnSeqNumberMismatch")

	srvHandler.mu.Lock()
	got := append([]uint32(nil), srvHandler.received...)
	srvHandler.mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, uint32(i+1), v, "frame %d out of order or duplicated", i)
	}
}

// Scenario 5: sequence mismatch. A client speaks the raw login handshake
// directly (bypassing Client/Connect, which would only ever offer a
// consistent seq pair from its own recovered PTCP file) and claims to have
// already received far more frames than the server, against a server whose
// PTCP file for this peer is brand new. OnSeqNumberMismatch must fire and
// the connection must not reach Established.
func TestSequenceMismatchOnReconnect(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir

	srvCfg := DefaultServerConfig()
	srvCfg.Config = cfg
	srvCfg.MaxTcpGrps = 1
	srvCfg.MaxTcpConnsPerGrp = 4

	srvHandler := &countingServerHandler{t: t}
	server, err := NewServer[struct{}](srvCfg, "server", srvHandler)
	require.NoError(t, err)
	require.NoError(t, server.Start("127.0.0.1", 0))
	defer server.Stop()
	port := serverPort(t, server)

	nc, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 2*time.Second)
	require.NoError(t, err)
	defer nc.Close()

	login := &LoginMsg{
		ClientName:      packName("mismatch-client"),
		UseShm:          false,
		LastSeqSent:     0,
		LastSeqReceived: 1000, // the server never sent 1000 frames to anyone
	}
	nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, writeFrame(nc, msgTypeLogin, encodeLoginMsg(login, cfg.ToLittleEndian), cfg.ToLittleEndian))

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := readFrame(nc, cfg.TcpRecvBufMaxSize, cfg.ToLittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFFE), msgType) // msgTypeLoginRsp
	rsp, err := decodeLoginRspMsg(payload, cfg.ToLittleEndian)
	require.NoError(t, err)
	require.Equal(t, LoginAccepted, rsp.Status) // login itself is accepted; mismatch is a post-login state

	require.Eventually(t, srvHandler.sawMismatch, 2*time.Second, 5*time.Millisecond,
		"server should report OnSeqNumberMismatch for an out-of-range last_seq_received")
}

// Scenario 6: heartbeat timeout. The client logs in, then its polling
// goroutine is stopped entirely (simulating an application thread that
// stalls) for longer than ConnectionTimeout. The server's own poll
// goroutine must detect the stale connection and disconnect it with reason
// "timeout".
func TestHeartbeatTimeoutDisconnect(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.HeartBeatInterval = 200 * time.Millisecond
	cfg.ConnectionTimeout = 600 * time.Millisecond

	srvCfg := DefaultServerConfig()
	srvCfg.Config = cfg
	srvCfg.MaxTcpGrps = 1
	srvCfg.MaxTcpConnsPerGrp = 4

	disconnected := make(chan string, 1)
	srvHandler := &timeoutServerHandler{t: t, disconnected: disconnected}
	server, err := NewServer[struct{}](srvCfg, "server", srvHandler)
	require.NoError(t, err)
	require.NoError(t, server.Start("127.0.0.1", 0))
	defer server.Stop()
	port := serverPort(t, server)

	cliHandler := &countingClientHandler{t: t, loggedIn: make(chan struct{})}
	client, err := NewClient[struct{}](cfg, "to-client", "server", cliHandler)
	require.NoError(t, err)
	require.NoError(t, client.Connect(false, "127.0.0.1", port, nil))
	defer client.Stop()

	select {
	case <-cliHandler.loggedIn:
	case <-time.After(2 * time.Second):
		t.Fatal("login success callback never fired")
	}

	// Never poll after login: the application's polling thread has stalled,
	// so the client sends nothing and the server hears nothing after login.

	select {
	case reason := <-disconnected:
		require.Equal(t, "timeout", reason)
	case <-time.After(3 * time.Second):
		t.Fatal("server never disconnected the stalled client on heartbeat timeout")
	}
}

type timeoutServerHandler struct {
	t            *testing.T
	disconnected chan string
}

func (h *timeoutServerHandler) OnSystemError(errMsg string, sysErrno error) {
	h.t.Logf("server system error: %s: %v", errMsg, sysErrno)
}
func (h *timeoutServerHandler) OnNewConnection(addr net.Addr, login *LoginMsg, rsp *LoginRspMsg) int32 {
	return 0
}
func (h *timeoutServerHandler) OnClientFileError(conn *Connection[struct{}], errMsg string, sysErrno error) {
}
func (h *timeoutServerHandler) OnSeqNumberMismatch(conn *Connection[struct{}], localAckSeq, localSeqStart, localSeqEnd, remoteAckSeq, remoteSeqStart, remoteSeqEnd uint32) {
	h.t.Errorf("unexpected seq mismatch")
}
func (h *timeoutServerHandler) OnClientLogon(addr net.Addr, conn *Connection[struct{}]) {}
func (h *timeoutServerHandler) OnClientDisconnected(conn *Connection[struct{}], reason string, sysErrno error) {
	select {
	case h.disconnected <- reason:
	default:
	}
}
func (h *timeoutServerHandler) OnClientMsg(conn *Connection[struct{}], header *MsgHeader, payload []byte) {
}
