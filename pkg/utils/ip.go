package utils

import (
	"net"
	"strings"
)

// IsInternalIP 判断是否为内网IP
func IsInternalIP(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	if parsedIP.IsLoopback() || parsedIP.IsPrivate() {
		return true
	}

	return parsedIP.IsLinkLocalUnicast() || parsedIP.IsLinkLocalMulticast()
}

// NormalizeIP strips the port and brackets from a remote address
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return strings.Trim(addr, "[]")
}
