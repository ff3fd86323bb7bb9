package internal

import (
	"crypto/sha256"
	"net/netip"
)

// IPv4 keeps a /24, IPv6 keeps a /64: roaming inside a home network or a
// carrier prefix must not invalidate a trusted device, while a different
// network segment must.
const (
	fingerprintV4Bits = 24
	fingerprintV6Bits = 64
)

// TruncateIP reduces an address to its fingerprint prefix. Unparseable
// input is returned as-is so it still participates in the hash instead of
// silently widening the match.
func TruncateIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}

	bits := fingerprintV6Bits
	if addr.Is4() || addr.Is4In6() {
		addr = addr.Unmap()
		bits = fingerprintV4Bits
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ip
	}
	return prefix.String()
}

// DeviceFingerprint hashes the request attributes a trusted device is
// bound to. The same inputs must always produce the same digest, so the
// composition order is fixed.
func DeviceFingerprint(userAgent, clientIP string) [32]byte {
	h := sha256.New()
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(TruncateIP(clientIP)))

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
