package web

import (
	"fmt"
	"net"
	"strings"
)

// CheckSSRF resolves the host to IP addresses and blocks private/internal ranges.
func CheckSSRF(host string) error {
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP %q for host %q", ipStr, host)
		}
		if IsPrivateIP(ip) {
			return fmt.Errorf("SSRF blocked: host %q resolves to private IP %s", host, ipStr)
		}
	}

	return nil
}

var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// IsPrivateIP checks if an IP is in a private, loopback, or link-local range.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}

	// RFC 1918, RFC 4193 and the CGNAT range.
	if ip.IsPrivate() {
		return true
	}
	return cgnat.Contains(ip)
}

// IsDomainAllowed checks if the host is in the given allowlist.
func IsDomainAllowed(host string, allowedDomains []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowedDomains {
		d = strings.ToLower(d)
		if d == host {
			return true
		}
		// "*.example.com" admits subdomains but not the apex.
		if suffix, ok := strings.CutPrefix(d, "*"); ok && strings.HasPrefix(suffix, ".") && strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
