package dnsresolve

import (
	"errors"
	"net"

	"github.com/miekg/dns"
)

var errNoAnswer = errors.New("dnsresolve: no A record in answer")

// BuildQuery serializes a standard A/IN query for host with the given
// transaction ID, forcing the canonical trailing-dot form.
func BuildQuery(host string, id uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	m.Id = id
	return m.Pack()
}

// ParseResponse unpacks a DNS response datagram and returns the query ID
// it answers along with the first A record's address, if any. A malformed
// datagram is reported via err so the caller can drop it silently.
func ParseResponse(data []byte) (id uint16, ip net.IP, err error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return 0, nil, err
	}

	for _, ans := range msg.Answer {
		if a, ok := ans.(*dns.A); ok {
			return msg.Id, a.A, nil
		}
	}
	return msg.Id, nil, errNoAnswer
}

// IsNoAnswer reports whether err is the "well-formed response, empty
// ANSWER section" sentinel from ParseResponse, as opposed to a genuine
// wire-format parse failure.
func IsNoAnswer(err error) bool {
	return errors.Is(err, errNoAnswer)
}
