package domain

import (
	"encoding/binary"
	"net"
)

// GreetingOutcome is the result of attempting to parse one method-selection
// message out of a session's msg buffer.
type GreetingOutcome int

const (
	GreetingNeedMore GreetingOutcome = iota
	GreetingAccepted
	GreetingRejected
)

// ParseGreeting consumes a complete GREETING frame (VER | NMETHODS | METHODS)
// from buf if one is present. On a short read it leaves buf untouched and
// reports GreetingNeedMore so the caller waits for more bytes. The source
// material this proxy is modeled on never validated VER; this parser does.
func ParseGreeting(buf *Buffer) GreetingOutcome {
	b := buf.Bytes()
	if len(b) < 2 {
		return GreetingNeedMore
	}

	ver := b[0]
	nmethods := int(b[1])
	if len(b) < 2+nmethods {
		return GreetingNeedMore
	}

	methods := append([]byte(nil), b[2:2+nmethods]...)
	buf.Consume(2 + nmethods)

	if ver != Version5 {
		return GreetingRejected
	}

	for _, m := range methods {
		if m == MethodNoAuth {
			return GreetingAccepted
		}
	}
	return GreetingRejected
}

// RequestKind classifies the outcome of parsing a CONNECT request.
type RequestKind int

const (
	RequestNeedMore RequestKind = iota
	RequestBadCommand
	RequestBadAtyp
	RequestIPv4
	RequestDomain
)

// RequestOutcome is the result of attempting to parse one CONNECT request
// out of a session's msg buffer.
type RequestOutcome struct {
	Kind RequestKind
	Host string
	Port uint16
}

// ParseRequest consumes a complete REQUEST frame (VER | CMD | RSV | ATYP |
// DST.ADDR | DST.PORT) from buf if one is present. At least 10 bytes are
// required before the ATYP byte is even inspected, matching the fixed-size
// IPv4 request layout; a domain request may need more once its length byte
// is known.
func ParseRequest(buf *Buffer) RequestOutcome {
	b := buf.Bytes()
	if len(b) < 10 {
		return RequestOutcome{Kind: RequestNeedMore}
	}

	ver, cmd, atyp := b[0], b[1], b[3]
	if ver != Version5 || cmd != CmdConnect {
		return RequestOutcome{Kind: RequestBadCommand}
	}

	switch atyp {
	case AtypIPv4:
		host := net.IP(append([]byte(nil), b[4:8]...)).String()
		port := binary.BigEndian.Uint16(b[8:10])
		buf.Consume(10)
		return RequestOutcome{Kind: RequestIPv4, Host: host, Port: port}

	case AtypDomain:
		dlen := int(b[4])
		total := 5 + dlen + 2
		if len(b) < total {
			return RequestOutcome{Kind: RequestNeedMore}
		}
		host := string(b[5 : 5+dlen])
		port := binary.BigEndian.Uint16(b[5+dlen : 7+dlen])
		buf.Consume(total)
		return RequestOutcome{Kind: RequestDomain, Host: host, Port: port}

	default:
		return RequestOutcome{Kind: RequestBadAtyp}
	}
}

// EncodeAuthReply builds the 2-byte method-selection reply.
func EncodeAuthReply(method byte) []byte {
	return []byte{Version5, method}
}

// EncodeReply builds the fixed 10-byte SOCKS5 reply: VER | REP | RSV | ATYP
// | BND.ADDR(4) | BND.PORT(2). On error replies addr/port are the zero value.
func EncodeReply(rep byte, addr [4]byte, port uint16) []byte {
	out := make([]byte, 10)
	out[0] = Version5
	out[1] = rep
	out[2] = 0x00
	out[3] = AtypIPv4
	copy(out[4:8], addr[:])
	binary.BigEndian.PutUint16(out[8:10], port)
	return out
}
