// Package application wires the reactor, the protocol engine, and the DNS
// tracker into the single-threaded SOCKS5 CONNECT proxy.
package application

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/dnsresolve"
	"socks-proxy/internal/infrastructure/network"

	"golang.org/x/sys/unix"
)

const dnsTimeout = domain.DNSQueryTimeout * time.Second

// ProxyService is the reactor's single event handler: it owns every
// session, the DNS query tracker, and the listener/UDP server sockets.
type ProxyService struct {
	log        *slog.Logger
	loop       domain.EventLoop
	listenerFD int
	dnsFD      int
	dnsAddr    *unix.SockaddrInet4

	sessions map[int]*domain.Session
	tracker  *dnsresolve.Tracker
}

// NewProxyService opens the listening TCP socket and the UDP DNS socket,
// discovers the system resolver, and returns a service ready to Start.
func NewProxyService(loop domain.EventLoop, logger *slog.Logger, port int) (*ProxyService, error) {
	lfd, err := network.ListenTCP(port)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	dfd, err := network.BindUDP()
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}

	host, resolverPort := dnsresolve.DiscoverResolver()
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		unix.Close(lfd)
		unix.Close(dfd)
		return nil, fmt.Errorf("unusable resolver address %q", host)
	}
	dnsAddr := &unix.SockaddrInet4{Port: int(resolverPort)}
	copy(dnsAddr.Addr[:], ip.To4())

	logger.Info("discovered system resolver", "addr", host, "port", resolverPort)

	return &ProxyService{
		log:        logger,
		loop:       loop,
		listenerFD: lfd,
		dnsFD:      dfd,
		dnsAddr:    dnsAddr,
		sessions:   make(map[int]*domain.Session),
		tracker:    dnsresolve.NewTracker(),
	}, nil
}

// Start registers the server sockets and runs the reactor loop forever.
func (s *ProxyService) Start() error {
	s.log.Info("registering server sockets", "listener_fd", s.listenerFD, "dns_fd", s.dnsFD)

	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		return err
	}
	if err := s.loop.Register(s.dnsFD, domain.EventRead); err != nil {
		return err
	}

	s.log.Info("proxy service running")
	return s.loop.Run(s, s.sweepDNSTimeouts)
}

// HandleEvent dispatches one readiness notification. Dispatch order inside
// a single activation is accept, then readable (UDP special-cased), then
// writable, then connectable, rechecking the session hasn't closed between
// phases — spec.md §4.1.
func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		if event&domain.EventRead != 0 {
			return s.acceptNewClient()
		}
		return nil
	}
	if fd == s.dnsFD {
		if event&domain.EventRead != 0 {
			s.processDNSResponse()
		}
		return nil
	}

	sess := s.sessions[fd]
	if sess == nil || sess.Closed() {
		return nil
	}

	if event&domain.EventRead != 0 && !sess.Closed() {
		s.handleReadable(sess, fd)
	}

	if event&domain.EventWrite != 0 && !sess.Closed() {
		if sess.State == domain.StateConnecting && fd == sess.RemoteFD {
			s.finalizeConnect(sess)
		} else {
			s.handleWritable(sess, fd)
		}
	}

	return nil
}

// --- accept ---------------------------------------------------------------

// acceptNewClient pulls one connection off the listener. A non-nil return
// is an unrecoverable listener error (e.g. EMFILE) — spec.md §7 requires
// that to propagate to the bootstrap and exit the process, rather than the
// listener sitting ready forever and logging the same failure every
// iteration under level-triggered epoll.
func (s *ProxyService) acceptNewClient() error {
	nfd, ok, err := network.AcceptNonblocking(s.listenerFD)
	if err != nil {
		s.log.Error("accept failed, listener unusable", "error", err)
		return fmt.Errorf("listener accept failed: %w", err)
	}
	if !ok {
		return nil // spurious wake
	}

	sess := domain.NewSession(nfd)
	s.sessions[nfd] = sess

	if err := s.loop.Register(nfd, domain.EventRead); err != nil {
		s.log.Error("failed to register client socket", "fd", nfd, "error", err)
		unix.Close(nfd)
		delete(s.sessions, nfd)
		return nil // per-connection failure, not a listener-fatal one
	}

	s.log.Info("client accepted", "fd", nfd)
	return nil
}

// --- readable --------------------------------------------------------------

func (s *ProxyService) handleReadable(sess *domain.Session, fd int) {
	switch sess.State {
	case domain.StateGreeting, domain.StateRequest:
		if fd == sess.ClientFD {
			s.readHandshake(sess)
		}
	case domain.StateRelaying:
		if fd == sess.ClientFD {
			s.relayRead(sess, sess.ClientFD, sess.C2RBuf, sess.RemoteFD, true)
		} else if fd == sess.RemoteFD {
			s.relayRead(sess, sess.RemoteFD, sess.R2CBuf, sess.ClientFD, false)
		}
	}
}

// readHandshake pulls client bytes into msg_buf and runs the protocol
// engine in a loop, since a client may pipeline the GREETING and REQUEST
// frames into a single read and no further socket event will arrive to
// prompt re-parsing.
func (s *ProxyService) readHandshake(sess *domain.Session) {
	free := sess.MsgBuf.Free()
	if len(free) == 0 {
		s.closeSession(sess, "handshake message too large")
		return
	}

	n, err := unix.Read(sess.ClientFD, free)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.closeSession(sess, "handshake read failed")
		return
	}
	if n == 0 {
		s.closeSession(sess, "client eof during handshake")
		return
	}
	sess.MsgBuf.Advance(n)

	for {
		switch sess.State {
		case domain.StateGreeting:
			switch domain.ParseGreeting(sess.MsgBuf) {
			case domain.GreetingNeedMore:
				return
			case domain.GreetingRejected:
				s.writeToClient(sess, domain.EncodeAuthReply(domain.MethodNoneAccepted))
				s.closeSession(sess, "no acceptable auth method")
				return
			case domain.GreetingAccepted:
				s.writeToClient(sess, domain.EncodeAuthReply(domain.MethodNoAuth))
				sess.State = domain.StateRequest
			}

		case domain.StateRequest:
			outcome := domain.ParseRequest(sess.MsgBuf)
			switch outcome.Kind {
			case domain.RequestNeedMore:
				return
			case domain.RequestBadCommand:
				s.sendErrorReply(sess, domain.RepCommandNotSupported)
				s.closeSession(sess, "unsupported command")
				return
			case domain.RequestBadAtyp:
				s.sendErrorReply(sess, domain.RepAddrTypeNotSupported)
				s.closeSession(sess, "unsupported address type")
				return
			case domain.RequestIPv4:
				sess.TargetHost, sess.TargetPort = outcome.Host, outcome.Port
				s.startConnection(sess, net.ParseIP(outcome.Host))
				return
			case domain.RequestDomain:
				sess.TargetHost, sess.TargetPort = outcome.Host, outcome.Port
				s.submitDNSQuery(sess)
				return
			}

		default:
			return
		}
	}
}

// --- DNS ---------------------------------------------------------------

func (s *ProxyService) submitDNSQuery(sess *domain.Session) {
	id, err := s.tracker.Allocate()
	if err != nil {
		s.log.Warn("dns tracker at capacity", "host", sess.TargetHost)
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "dns tracker full")
		return
	}

	packed, err := dnsresolve.BuildQuery(sess.TargetHost, id)
	if err != nil {
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "dns query build failed")
		return
	}

	if err := unix.Sendto(s.dnsFD, packed, 0, s.dnsAddr); err != nil {
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "dns send failed")
		return
	}

	s.tracker.Insert(id, sess, time.Now())
	sess.DNSQueryID = id
	sess.HasDNSQuery = true
	sess.State = domain.StateResolving

	s.log.Info("resolving domain", "host", sess.TargetHost, "client_fd", sess.ClientFD, "query_id", id)
}

func (s *ProxyService) processDNSResponse() {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(s.dnsFD, buf, 0)
	if err != nil {
		return
	}

	id, ip, parseErr := dnsresolve.ParseResponse(buf[:n])
	if parseErr != nil && !dnsresolve.IsNoAnswer(parseErr) {
		return // malformed datagram, drop silently
	}

	q, found := s.tracker.Remove(id)
	if !found {
		return // unknown or already-timed-out query
	}

	sess := q.Session
	sess.HasDNSQuery = false
	if sess.Closed() {
		return
	}

	if ip == nil {
		s.log.Warn("dns resolution returned no A records", "host", sess.TargetHost)
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "dns no records")
		return
	}

	s.log.Info("dns resolved", "host", sess.TargetHost, "ip", ip.String())
	s.startConnection(sess, ip)
}

func (s *ProxyService) sweepDNSTimeouts() {
	if s.tracker.Len() == 0 {
		return
	}
	for _, q := range s.tracker.SweepExpired(time.Now(), dnsTimeout) {
		sess := q.Session
		sess.HasDNSQuery = false
		if sess.Closed() {
			continue
		}
		s.log.Warn("dns query timed out", "host", sess.TargetHost)
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "dns timeout")
	}
}

// --- connect ---------------------------------------------------------------

func (s *ProxyService) startConnection(sess *domain.Session, ip net.IP) {
	if sess.Closed() || ip == nil {
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "unresolvable address")
		return
	}

	fd, inProgress, err := network.DialTCPNonblocking(ip, sess.TargetPort)
	if err != nil {
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "connect failed")
		return
	}

	sess.RemoteFD = fd
	sess.State = domain.StateConnecting
	sess.RemoteInterest = domain.EventWrite
	s.sessions[fd] = sess

	if err := s.loop.Register(fd, domain.EventWrite); err != nil {
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, "register remote failed")
		return
	}

	if !inProgress {
		s.finalizeConnect(sess)
	}
}

func (s *ProxyService) finalizeConnect(sess *domain.Session) {
	errno, err := network.ConnectError(sess.RemoteFD)
	if err != nil || errno != 0 {
		s.sendErrorReply(sess, domain.RepHostUnreachable)
		s.closeSession(sess, fmt.Sprintf("async connect failed: errno=%d", errno))
		return
	}

	addr, port, err := network.LocalAddr(sess.RemoteFD)
	if err != nil {
		s.closeSession(sess, "getsockname failed")
		return
	}
	sess.BoundAddr, sess.BoundPort = addr, port

	s.log.Info("connected to target", "host", sess.TargetHost, "port", sess.TargetPort)

	s.writeToClient(sess, domain.EncodeReply(domain.RepSuccess, addr, port))
	sess.State = domain.StateRelaying

	// ClientFD may have just picked up OP_WRITE from a spooled reply tail;
	// preserve it. RemoteFD's OP_WRITE was only ever for OP_CONNECT and
	// must be dropped now or it busy-fires forever.
	s.addInterest(sess, sess.ClientFD, domain.EventRead)
	s.removeInterest(sess, sess.RemoteFD, domain.EventWrite)
	s.addInterest(sess, sess.RemoteFD, domain.EventRead)
}

// --- relay -------------------------------------------------------------

func (s *ProxyService) relayRead(sess *domain.Session, srcFD int, buf *domain.Buffer, dstFD int, isClient bool) {
	free := buf.Free()
	if len(free) == 0 {
		s.removeInterest(sess, srcFD, domain.EventRead)
		return
	}

	n, err := unix.Read(srcFD, free)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.closeSession(sess, "relay read error")
		return
	}

	if n == 0 {
		network.ShutdownWrite(dstFD)
		// spec.md §4.6 / §9: clear OP_READ on the *opposite* key, not the
		// source key that just reached EOF — intentional, not a bug.
		s.removeInterest(sess, dstFD, domain.EventRead)
		if isClient {
			sess.ClientHalfClosed = true
		} else {
			sess.RemoteHalfClosed = true
		}
		s.maybeClose(sess)
		return
	}

	buf.Advance(n)
	s.addInterest(sess, dstFD, domain.EventWrite)
	if buf.Full() {
		s.removeInterest(sess, srcFD, domain.EventRead)
	}
}

func (s *ProxyService) handleWritable(sess *domain.Session, fd int) {
	switch sess.State {
	case domain.StateGreeting, domain.StateRequest, domain.StateConnecting, domain.StateResolving:
		if fd == sess.ClientFD {
			s.drainBuffer(sess, sess.ClientFD, sess.R2CBuf, 0)
		}
	case domain.StateRelaying:
		if fd == sess.ClientFD {
			s.drainBuffer(sess, sess.ClientFD, sess.R2CBuf, sess.RemoteFD)
		} else if fd == sess.RemoteFD {
			s.drainBuffer(sess, sess.RemoteFD, sess.C2RBuf, sess.ClientFD)
		}
	}
}

// drainBuffer writes as much of buf as the socket accepts, compacts,
// clears OP_WRITE on dstFD once empty, and always re-arms OP_READ on
// srcFD, since it may have been paused by backpressure — spec.md §4.6.
func (s *ProxyService) drainBuffer(sess *domain.Session, dstFD int, buf *domain.Buffer, srcFD int) {
	data := buf.Bytes()
	if len(data) > 0 {
		n, err := unix.Write(dstFD, data)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.closeSession(sess, "relay write error")
			return
		}
		buf.Consume(n)
	}

	if buf.Empty() {
		s.removeInterest(sess, dstFD, domain.EventWrite)
	}

	if srcFD != 0 {
		s.addInterest(sess, srcFD, domain.EventRead)
	}

	s.maybeClose(sess)
}

func (s *ProxyService) maybeClose(sess *domain.Session) {
	if sess.ReadyToClose() {
		s.closeSession(sess, "half-close drained")
	}
}

// --- handshake/error reply I/O -------------------------------------------

func (s *ProxyService) sendErrorReply(sess *domain.Session, rep byte) {
	s.writeToClient(sess, domain.EncodeReply(rep, [4]byte{}, 0))
}

// writeToClient writes data directly to the client socket. A short write
// spills the unwritten tail into r2c_buf, which the relay write path drains
// transparently once RELAYING, or which the handshake writable handler
// drains directly before then — spec.md §4.8.
func (s *ProxyService) writeToClient(sess *domain.Session, data []byte) {
	if sess.Closed() {
		return
	}

	n, err := unix.Write(sess.ClientFD, data)
	if err != nil {
		if err != unix.EAGAIN {
			s.closeSession(sess, "client write failed")
			return
		}
		n = 0
	}

	if n < len(data) {
		rest := data[n:]
		if sess.R2CBuf.Append(rest) < len(rest) {
			s.closeSession(sess, "reply spill exceeds buffer")
			return
		}
		s.addInterest(sess, sess.ClientFD, domain.EventWrite)
	}
}

// --- interest bookkeeping ------------------------------------------------

func (s *ProxyService) addInterest(sess *domain.Session, fd int, ev domain.EventType) {
	if fd == 0 {
		return
	}
	cur := sess.InterestFor(fd)
	next := cur | ev
	if next == cur {
		return
	}
	if err := s.loop.Modify(fd, next); err != nil {
		return
	}
	sess.SetInterestFor(fd, next)
}

func (s *ProxyService) removeInterest(sess *domain.Session, fd int, ev domain.EventType) {
	if fd == 0 {
		return
	}
	cur := sess.InterestFor(fd)
	next := cur &^ ev
	if next == cur {
		return
	}
	if err := s.loop.Modify(fd, next); err != nil {
		return
	}
	sess.SetInterestFor(fd, next)
}

// --- close ---------------------------------------------------------------

func (s *ProxyService) closeSession(sess *domain.Session, reason string) {
	if sess.Closed() {
		return
	}

	s.log.Info("closing session", "client_fd", sess.ClientFD, "reason", reason)

	if sess.HasDNSQuery {
		s.tracker.Remove(sess.DNSQueryID)
		sess.HasDNSQuery = false
	}

	if sess.ClientFD != 0 {
		s.loop.Unregister(sess.ClientFD)
		unix.Close(sess.ClientFD)
		delete(s.sessions, sess.ClientFD)
	}
	if sess.RemoteFD != 0 {
		s.loop.Unregister(sess.RemoteFD)
		unix.Close(sess.RemoteFD)
		delete(s.sessions, sess.RemoteFD)
	}

	sess.State = domain.StateClosed
}
