package authorship

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"lukechampine.com/blake3"
)

// HintFromRequest extracts the transport-level ActorHint from an inbound
// HTTP request: an IPv4 /24-style prefix from the first forwarded-for
// address, and a BLAKE3 hash of the User-Agent header.
func HintFromRequest(r *http.Request) ActorHint {
	var hint ActorHint

	fwd := r.Header.Get("CF-Connecting-IP")
	if fwd == "" {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			fwd = strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	if fwd == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			fwd = host
		} else {
			fwd = r.RemoteAddr
		}
	}
	if prefix := ipv4Prefix24(fwd); prefix != "" {
		hint.IPPrefix = prefix
	}

	if ua := r.Header.Get("User-Agent"); ua != "" {
		sum := blake3.Sum256([]byte(ua))
		hint.UserAgentHash = hex.EncodeToString(sum[:])
	}
	return hint
}

// ipv4Prefix24 masks an IPv4 address to its /24 network, returning "" for
// anything else (IPv6, unparsable).
func ipv4Prefix24(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
}
