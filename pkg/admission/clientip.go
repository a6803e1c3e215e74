// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// trustedProxyCIDRs are the networks whose forwarding headers are believed:
// private ranges, loopback, and the ULA range fd00::/8.
var trustedProxyCIDRs = func() []netip.Prefix {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"::1/128",
		"fd00::/8",
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return prefixes
}()

func isTrustedProxy(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range trustedProxyCIDRs {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP derives the rate-limiting identity for a request. Forwarding
// headers are honored only when the direct peer is a trusted proxy;
// otherwise a client could spoof X-Forwarded-For to dodge its bucket.
// Requests with no derivable address share the "unknown" identity.
func ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	if isTrustedProxy(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if _, err := netip.ParseAddr(first); err == nil {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
			if _, err := netip.ParseAddr(real); err == nil {
				return real
			}
		}
	}

	if _, err := netip.ParseAddr(peer); err == nil {
		return peer
	}
	return "unknown"
}
