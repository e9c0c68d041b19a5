package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions says how far to trust forwarding headers.
type ClientIPOptions struct {
	// TrustedHops counts the proxies in front of the storefront. 0 ignores
	// X-Forwarded-For, 1 takes its last entry (a single load balancer),
	// 2 the one before that (CDN then load balancer).
	TrustedHops int
}

// ClientIP resolves the client address from RemoteAddr only.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context. The admission limiter and the flood guard both key on it, so an
// address that cannot be resolved is stored as nothing at all and callers
// fall back to their own shared bucket.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := resolveClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), addr)))
		})
	}
}

func resolveClientAddr(r *http.Request, trustedHops int) string {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, as some test harnesses and unix listeners set it
		a, perr := netip.ParseAddr(r.RemoteAddr)
		if perr != nil {
			stripForwarded(r)
			return ""
		}
		peer = netip.AddrPortFrom(a, 0)
	}
	peerAddr := peer.Addr().Unmap()

	// forwarding headers only mean something when a proxy we run set them
	if trustedHops <= 0 || !(peerAddr.IsPrivate() || peerAddr.IsLoopback()) {
		stripForwarded(r)
		return peerAddr.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peerAddr.String()
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedHops
	if idx < 0 {
		// shorter chain than the proxies we run: spoofed or misrouted
		stripForwarded(r)
		return peerAddr.String()
	}
	fwd, err := netip.ParseAddr(strings.TrimSpace(hops[idx]))
	if err != nil {
		return peerAddr.String()
	}
	return fwd.Unmap().String()
}

// stripForwarded drops headers nothing downstream should trust
func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
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
