package oauth

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// CallbackURL is the redirect URI registered with the GitHub App.
func CallbackURL(publicBaseURL string) string {
	publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if publicBaseURL == "" {
		return ""
	}
	return publicBaseURL + "/auth/callback"
}

func forwardedProto(r *http.Request) string {
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func frontendPath(frontendURL, path string) string {
	base := strings.TrimRight(strings.TrimSpace(frontendURL), "/")
	if base == "" && path == "" {
		return "/"
	}
	return base + path
}

func randomID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return fmt.Sprintf("%x", buf)
}
