package adapters

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

// Shared upstream transport. Provider endpoints are a small, stable host set
// that every request hits, so resolved addresses are cached and refreshed in
// the background instead of hitting the resolver per dial.
var (
	transportOnce  sync.Once
	sharedTransport *http.Transport
)

const dnsRefreshInterval = 5 * time.Minute

func upstreamTransport() *http.Transport {
	transportOnce.Do(func() {
		resolver := &dnscache.Resolver{}
		go func() {
			t := time.NewTicker(dnsRefreshInterval)
			defer t.Stop()
			for range t.C {
				resolver.Refresh(true)
			}
		}()

		sharedTransport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var dialer net.Dialer
				var conn net.Conn
				for _, ip := range ips {
					conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, err
			},
			MaxIdleConns:        128,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	})
	return sharedTransport
}

// NewHTTPClient returns an http.Client over the shared cached-DNS transport.
// No client-level timeout is set: deadlines come from the request context so
// streaming reads are not cut off mid-body.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: upstreamTransport()}
}
