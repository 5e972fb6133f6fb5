// Package dnsresolve implements the DNS codec and query tracker the
// reactor uses to resolve domain-name CONNECT requests asynchronously over
// a single UDP socket.
package dnsresolve

import "github.com/miekg/dns"

// defaultResolver is used only when the host's own resolver configuration
// can't be read or lists no nameserver (spec.md §9: "no failover" beyond
// this one fallback).
const defaultResolver = "8.8.8.8"

// DiscoverResolver reads the system's resolver configuration — typically
// /etc/resolv.conf on POSIX — and returns the address and port of the
// first configured nameserver.
func DiscoverResolver() (host string, port uint16) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return defaultResolver, 53
	}
	return cfg.Servers[0], 53
}
