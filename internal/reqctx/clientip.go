package reqctx

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller address. When trustForwarded is set the first
// entry of X-Forwarded-For wins, then X-Real-IP; otherwise, and as the last
// resort, RemoteAddr with its port stripped. Forwarded values that do not
// parse as an IP are ignored.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return stripPort(r.RemoteAddr)
}

func parseIP(v string) string {
	ip := net.ParseIP(strings.TrimSpace(v))
	if ip == nil {
		return ""
	}
	return ip.String()
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
