package domain

// Session owns one accepted client connection, at most one remote
// connection, and the three buffers that carry it through handshake and
// relay. It is mutated only from the single reactor goroutine.
type Session struct {
	ClientFD int
	RemoteFD int

	State State

	// C2RBuf carries client-origin bytes awaiting a write to the remote
	// socket; R2CBuf carries remote-origin bytes awaiting a write to the
	// client, and doubles as the spool for handshake/reply bytes that
	// didn't fit in a single direct write.
	C2RBuf *Buffer
	R2CBuf *Buffer
	MsgBuf *Buffer

	TargetHost string
	TargetPort uint16

	ClientHalfClosed bool
	RemoteHalfClosed bool

	BoundAddr [4]byte
	BoundPort uint16

	DNSQueryID   uint16
	HasDNSQuery  bool

	// ClientInterest/RemoteInterest mirror the readiness bits currently
	// registered for each key, so the reactor can add/remove a single bit
	// without re-deriving the other from the kernel.
	ClientInterest EventType
	RemoteInterest EventType
}

// NewSession allocates a session for a freshly accepted client socket.
func NewSession(clientFD int) *Session {
	return &Session{
		ClientFD:       clientFD,
		State:          StateGreeting,
		C2RBuf:         NewBuffer(ClientBufCap),
		R2CBuf:         NewBuffer(RemoteBufCap),
		MsgBuf:         NewBuffer(MsgBufCap),
		ClientInterest: EventRead,
	}
}

// Closed reports whether the session has already been torn down.
func (s *Session) Closed() bool { return s.State == StateClosed }

// ReadyToClose reports whether both half-close flags are set and both
// relay buffers have fully drained — the natural end of a RELAYING session.
func (s *Session) ReadyToClose() bool {
	return s.ClientHalfClosed && s.RemoteHalfClosed &&
		s.C2RBuf.Empty() && s.R2CBuf.Empty()
}

// InterestFor returns the readiness bits currently tracked for fd, which
// must be either s.ClientFD or s.RemoteFD.
func (s *Session) InterestFor(fd int) EventType {
	if fd == s.ClientFD {
		return s.ClientInterest
	}
	return s.RemoteInterest
}

// SetInterestFor records the readiness bits now registered for fd.
func (s *Session) SetInterestFor(fd int, ev EventType) {
	if fd == s.ClientFD {
		s.ClientInterest = ev
	} else {
		s.RemoteInterest = ev
	}
}
