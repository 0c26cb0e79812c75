package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvInt returns an integer environment variable value or default if not set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return defaultVal
}

// routeFor collapses path parameters so span names stay low-cardinality.
func routeFor(path string) string {
	if strings.HasPrefix(path, "/admin/messages/") {
		return "/admin/messages/{user_id}"
	}
	return path
}

// clientIP returns the first X-Forwarded-For entry, else the remote address, without port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			ip = strings.TrimSpace(forwarded[:idx])
		} else {
			ip = strings.TrimSpace(forwarded)
		}
	}
	// bracketed IPv6 with port: [2001:db8::1]:1234
	if strings.HasPrefix(ip, "[") {
		if end := strings.Index(ip, "]"); end > 0 {
			return ip[1:end]
		}
	}
	// exactly one colon means host:port; more means a bare IPv6 address
	if strings.Count(ip, ":") == 1 {
		ip = ip[:strings.Index(ip, ":")]
	}
	return ip
}
