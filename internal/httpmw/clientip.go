package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is how many reverse proxies sit in front of the gateway.
	// 0 ignores X-Forwarded-For, 1 takes its last entry, 2 the one before, etc.
	TrustedHops int
}

// ClientIP resolves the caller address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved caller address in the context for
// the rate limiter and request logger.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), resolveClientIP(r, opts.TrustedHops))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientIP returns the peer address unless the peer is a private
// address and proxies are configured, in which case it walks back
// trustedHops entries in X-Forwarded-For. Whenever forwarding headers are not
// trusted they are removed so later handlers cannot read them by mistake.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return "0.0.0.0"
	}

	if trustedHops <= 0 || !peer.IsPrivate() {
		dropForwarded(r.Header)
		return host
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	hops := strings.Split(xff, ",")
	i := len(hops) - trustedHops
	if i < 0 {
		// shorter chain than configured: spoofed or misconfigured
		dropForwarded(r.Header)
		return host
	}
	if fwd, err := netip.ParseAddr(strings.TrimSpace(hops[i])); err == nil {
		return fwd.String()
	}
	return host
}

func dropForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
