package httpx

import (
	"net"
	"net/http"
	"strings"
)

// ProxyTrust decides which forwarding headers to believe.
type ProxyTrust struct {
	cidrs []*net.IPNet
}

func NewProxyTrust(entries []string) ProxyTrust {
	return ProxyTrust{cidrs: ParseCIDRs(entries)}
}

// ParseCIDRs accepts CIDRs and bare addresses; invalid entries are skipped.
func ParseCIDRs(entries []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(entries))
	for _, part := range entries {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

// Trusted reports whether the direct peer is a configured proxy.
func (p ProxyTrust) Trusted(r *http.Request) bool {
	ip := net.ParseIP(parseIP(r.RemoteAddr))
	if ip == nil {
		return false
	}
	for _, cidr := range p.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the originating address, honoring X-Forwarded-For and
// X-Real-IP only when the peer is trusted.
func (p ProxyTrust) ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP != "" && p.Trusted(r) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if candidate := parseIP(first); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

// Secure reports whether the client connection was HTTPS, either directly or
// as declared by a trusted proxy.
func (p ProxyTrust) Secure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return p.Trusted(r) && strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
