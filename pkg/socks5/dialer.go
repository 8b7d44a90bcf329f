package socks5

import (
	"context"
	"fmt"
	"net"
	"time"

	netproxy "golang.org/x/net/proxy"
)

// Dialer dials the upstream half of a relayed connection: either directly,
// or through an upstream SOCKS5 proxy (the "--via" CLI flag), leaning on
// golang.org/x/net/proxy rather than a hand-rolled outbound client.
type Dialer struct {
	dialer netproxy.Dialer
}

// Direct returns a Dialer that connects straight to the target with no
// intermediate proxy.
func Direct(timeout time.Duration) *Dialer {
	return &Dialer{dialer: &net.Dialer{Timeout: timeout}}
}

// Via returns a Dialer that connects to every target through the SOCKS5
// proxy at proxyAddr.
func Via(proxyAddr string, timeout time.Duration) (*Dialer, error) {
	d, err := netproxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5: creating upstream dialer: %w", err)
	}
	return &Dialer{dialer: d}, nil
}

// Dial connects to addr, honoring ctx cancellation when the underlying
// dialer supports it (a plain *net.Dialer does; the x/net/proxy SOCKS5
// dialer does not, since RFC 1928 gives no way to abort mid-handshake).
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := d.dialer.(netproxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.dialer.Dial("tcp", addr)
}
