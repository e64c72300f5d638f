package httputil

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
)

// TrustedProxies are the networks allowed to report the caller address in
// X-Forwarded-For or X-Real-IP. Headers from anywhere else are ignored.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses CIDRs or bare addresses
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var proxies TrustedProxies
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			addr = addr.Unmap()
			proxies = append(proxies, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		proxies = append(proxies, prefix.Masked())
	}
	return proxies, nil
}

func (t TrustedProxies) contains(addr netip.Addr) bool {
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the caller address of r. X-Forwarded-For is walked from the
// nearest hop outwards while hops are trusted proxies; the first untrusted hop
// is the client.
func (t TrustedProxies) Resolve(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	peer, err := netip.ParseAddr(remote)
	if err != nil || !t.contains(peer.Unmap()) {
		return remote
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := remote
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			addr, err := netip.ParseAddr(hop)
			if err != nil {
				break
			}
			client = addr.Unmap().String()
			if !t.contains(addr.Unmap()) {
				break
			}
		}
		return client
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if addr, err := netip.ParseAddr(realIP); err == nil {
			return addr.Unmap().String()
		}
	}
	return remote
}

// ClientIPMiddleware resolves the caller address once per request
func ClientIPMiddleware(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := contextkeys.WithClientIP(r.Context(), trusted.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the address resolved by ClientIPMiddleware, or the peer
// address when the middleware did not run
func ClientIP(r *http.Request) string {
	if ip := contextkeys.GetClientIP(r.Context()); ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
