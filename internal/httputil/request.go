// Package httputil extracts client signals from incoming requests.
package httputil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DeviceFingerprintHeader carries the client-computed device identifier.
const DeviceFingerprintHeader = "X-Device-Fingerprint"

type peerKey struct{}

// peer is the client address resolved for a request
type peer struct {
	ip      string
	proxied bool
}

// TrustedProxies lists the peers allowed to report the client address
// through X-Forwarded-For, X-Real-IP and X-Forwarded-Proto.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDR ranges and bare addresses
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			t.prefixes = append(t.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Trusted reports whether ip belongs to a trusted proxy
func (t *TrustedProxies) Trusted(ip string) bool {
	if t == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address of r. Forwarding headers count only
// when the connecting peer is trusted. X-Forwarded-For is walked from the
// right and the first untrusted hop wins; a chain of trusted hops yields its
// left-most entry.
func (t *TrustedProxies) Resolve(r *http.Request) (ip string, proxied bool) {
	remote := remoteHost(r)
	if !t.Trusted(remote) {
		return remote, false
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		first := ""
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !t.Trusted(hop) {
				return hop, true
			}
			first = hop
		}
		if first != "" {
			return first, true
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri, true
	}
	return remote, true
}

// Middleware resolves the client address once and stores it on the request
// context for ClientIP and IsHTTPS.
func (t *TrustedProxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, proxied := t.Resolve(r)
		ctx := context.WithValue(r.Context(), peerKey{}, peer{ip: ip, proxied: proxied})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the client address resolved by TrustedProxies.Middleware.
// Without it, forwarding headers are ignored and the connecting peer is used.
func ClientIP(r *http.Request) string {
	if p, ok := r.Context().Value(peerKey{}).(peer); ok {
		return p.ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
// The second result is false when the header is absent; the token is empty
// when the header is present but malformed.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

// DeviceFingerprint returns the client-supplied device identifier, if any.
func DeviceFingerprint(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(DeviceFingerprintHeader))
}

// IsHTTPS reports whether the request reached us over TLS, directly or
// through a trusted TLS-terminating proxy.
func IsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	p, ok := r.Context().Value(peerKey{}).(peer)
	return ok && p.proxied && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
