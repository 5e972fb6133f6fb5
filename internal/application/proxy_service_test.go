package application

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/dnsresolve"
	"socks-proxy/internal/infrastructure/epoll"

	"golang.org/x/sys/unix"
)

// fakeLoop records readiness interest without touching the kernel, so the
// relay backpressure logic can be exercised against plain socketpair fds.
type fakeLoop struct {
	interest map[int]domain.EventType
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{interest: make(map[int]domain.EventType)}
}

func (f *fakeLoop) Register(fd int, events domain.EventType) error {
	f.interest[fd] = events
	return nil
}
func (f *fakeLoop) Modify(fd int, events domain.EventType) error {
	f.interest[fd] = events
	return nil
}
func (f *fakeLoop) Unregister(fd int) error {
	delete(f.interest, fd)
	return nil
}
func (f *fakeLoop) Run(domain.EventHandler, func()) error { return nil }
func (f *fakeLoop) Stop()                                 {}

func newSilentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair error: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock error: %v", err)
		}
	}
	return fds[0], fds[1]
}

// readAll blocks (polling past EAGAIN) until exactly len(p) bytes have been
// read from fd into p, for asserting against a non-blocking socketpair peer.
func readAll(t *testing.T, fd int, p []byte) {
	t.Helper()
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < len(p) {
		n, err := unix.Read(fd, p[got:])
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				t.Fatalf("timed out reading %d bytes, got %d", len(p), got)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		got += n
	}
}

func newTestService(loop domain.EventLoop) *ProxyService {
	return &ProxyService{
		log:      newSilentLogger(),
		loop:     loop,
		sessions: make(map[int]*domain.Session),
		tracker:  dnsresolve.NewTracker(),
	}
}

// TestRelayBackpressureClearsReadOnFullBuffer exercises spec.md §4.6/§8: a
// RELAYING session whose c2r_buf fills must have OP_READ cleared on the
// client key, and regains it once the remote side drains the buffer.
func TestRelayBackpressureClearsReadOnFullBuffer(t *testing.T) {
	loop := newFakeLoop()
	svc := newTestService(loop)

	clientFD, clientPeer := mustSocketpair(t)
	remoteFD, remotePeer := mustSocketpair(t)
	defer unix.Close(clientPeer)
	defer unix.Close(remotePeer)
	defer unix.Close(clientFD)
	defer unix.Close(remoteFD)

	sess := domain.NewSession(clientFD)
	sess.RemoteFD = remoteFD
	sess.State = domain.StateRelaying
	sess.ClientInterest = domain.EventRead
	sess.RemoteInterest = domain.EventRead
	svc.sessions[clientFD] = sess
	svc.sessions[remoteFD] = sess

	// Fill c2r_buf to capacity with one capacity-sized write from the peer.
	chunk := make([]byte, domain.ClientBufCap)
	if _, err := unix.Write(clientPeer, chunk); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	svc.relayRead(sess, clientFD, sess.C2RBuf, remoteFD, true)

	if !sess.C2RBuf.Full() {
		t.Fatalf("expected c2r_buf full, Len=%d Cap=%d", sess.C2RBuf.Len(), sess.C2RBuf.Cap())
	}
	if sess.ClientInterest&domain.EventRead != 0 {
		t.Fatal("expected OP_READ cleared on client key once c2r_buf is full")
	}
	if sess.RemoteInterest&domain.EventWrite == 0 {
		t.Fatal("expected OP_WRITE armed on remote key once bytes are queued")
	}

	// Drain the buffer out to the remote peer; OP_READ on the client key
	// must be re-armed.
	svc.drainBuffer(sess, remoteFD, sess.C2RBuf, clientFD)

	if sess.ClientInterest&domain.EventRead == 0 {
		t.Fatal("expected OP_READ re-armed on client key after drain")
	}
}

// TestRelayEOFClearsOppositeKeyRead matches spec.md §4.6/§9: on EOF from a
// source, OP_READ is cleared on the *opposite* key, not the source key.
func TestRelayEOFClearsOppositeKeyRead(t *testing.T) {
	loop := newFakeLoop()
	svc := newTestService(loop)

	clientFD, clientPeer := mustSocketpair(t)
	remoteFD, remotePeer := mustSocketpair(t)
	defer unix.Close(remotePeer)
	defer unix.Close(clientFD)
	defer unix.Close(remoteFD)

	sess := domain.NewSession(clientFD)
	sess.RemoteFD = remoteFD
	sess.State = domain.StateRelaying
	sess.ClientInterest = domain.EventRead
	sess.RemoteInterest = domain.EventRead
	svc.sessions[clientFD] = sess
	svc.sessions[remoteFD] = sess

	unix.Close(clientPeer) // client side reaches EOF

	svc.relayRead(sess, clientFD, sess.C2RBuf, remoteFD, true)

	if !sess.ClientHalfClosed {
		t.Fatal("expected ClientHalfClosed set")
	}
	if sess.RemoteInterest&domain.EventRead != 0 {
		t.Fatal("expected OP_READ cleared on the remote (opposite) key, not the client's")
	}
}

// TestHalfCloseDrainClosesOnceBothSidesDone matches spec.md §8 scenario 6.
func TestHalfCloseDrainClosesOnceBothSidesDone(t *testing.T) {
	loop := newFakeLoop()
	svc := newTestService(loop)

	clientFD, clientPeer := mustSocketpair(t)
	remoteFD, remotePeer := mustSocketpair(t)
	defer unix.Close(clientPeer)
	defer unix.Close(remotePeer)

	sess := domain.NewSession(clientFD)
	sess.RemoteFD = remoteFD
	sess.State = domain.StateRelaying
	svc.sessions[clientFD] = sess
	svc.sessions[remoteFD] = sess

	unix.Close(clientPeer)
	svc.relayRead(sess, clientFD, sess.C2RBuf, remoteFD, true)
	if sess.Closed() {
		t.Fatal("session should not close until the remote side also drains")
	}

	unix.Close(remotePeer)
	svc.relayRead(sess, remoteFD, sess.R2CBuf, clientFD, false)

	if !sess.Closed() {
		t.Fatal("expected session closed once both sides half-closed with empty buffers")
	}
}

// TestHandshakeAcceptsPipelinedGreetingAndRequest covers the case where a
// client sends GREETING and REQUEST in a single segment: the protocol
// engine must process both without waiting for another readiness event.
func TestHandshakeAcceptsPipelinedGreetingAndRequest(t *testing.T) {
	loop := newFakeLoop()
	svc := newTestService(loop)

	clientFD, clientPeer := mustSocketpair(t)
	defer unix.Close(clientFD)
	defer unix.Close(clientPeer)

	sess := domain.NewSession(clientFD)
	svc.sessions[clientFD] = sess

	req := []byte{0x05, 0x01, 0x00} // greeting: no-auth offered
	req = append(req, 0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50)
	if _, err := unix.Write(clientPeer, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	svc.readHandshake(sess)

	if sess.State != domain.StateConnecting && sess.State != domain.StateClosed {
		t.Fatalf("State = %v, want CONNECTING (or CLOSED if the loopback connect failed)", sess.State)
	}
	if sess.TargetHost != "127.0.0.1" || sess.TargetPort != 80 {
		t.Fatalf("TargetHost/Port = %s:%d, want 127.0.0.1:80", sess.TargetHost, sess.TargetPort)
	}

	// The auth reply (05 00) must have reached the client already.
	reply := make([]byte, 2)
	readAll(t, clientPeer, reply)
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("auth reply = %x, want 0500", reply)
	}
}

// TestIPv4ConnectHappyPath is an end-to-end run of spec.md §8 scenario 1
// against the real reactor: accept, handshake, connect, relay, close.
func TestIPv4ConnectHappyPath(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echo.Close()

	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	loop, err := epoll.New()
	if err != nil {
		t.Fatalf("epoll.New: %v", err)
	}
	defer loop.Stop()

	svc, err := NewProxyService(loop, newSilentLogger(), 0)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	proxyAddr, err := localAddrOf(svc.listenerFD)
	if err != nil {
		t.Fatalf("localAddrOf: %v", err)
	}

	go svc.Start()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetingReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, greetingReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetingReply[0] != 0x05 || greetingReply[1] != 0x00 {
		t.Fatalf("greeting reply = %x, want 0500", greetingReply)
	}

	echoHost, echoPort, err := net.SplitHostPort(echo.Addr().String())
	if err != nil {
		t.Fatalf("split echo addr: %v", err)
	}
	ip := net.ParseIP(echoHost).To4()
	port, err := strconv.Atoi(echoPort)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	reqMsg := append([]byte{0x05, 0x01, 0x00, 0x01}, ip...)
	reqMsg = binary.BigEndian.AppendUint16(reqMsg, uint16(port))
	if _, err := conn.Write(reqMsg); err != nil {
		t.Fatalf("write request: %v", err)
	}

	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(conn, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != domain.RepSuccess {
		t.Fatalf("REP = %x, want success", connectReply[1])
	}

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("echoed = %q, want %q", echoed, payload)
	}
}

func localAddrOf(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	in4 := sa.(*unix.SockaddrInet4)
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(in4.Port)), nil
}
