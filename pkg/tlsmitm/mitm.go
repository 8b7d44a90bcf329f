package tlsmitm

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
)

// prefixedConn replays a buffered prefix before the underlying conn's own
// bytes, so a ClientHello peek (or any other read-ahead) never loses data.
// Writes pass straight through.
type prefixedConn struct {
	net.Conn
	r io.Reader
}

func withPrefix(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixedConn{Conn: conn, r: io.MultiReader(bytes.NewReader(prefix), conn)}
}

func (p *prefixedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// Hello is the outcome of peeking a connection's opening bytes for a TLS
// ClientHello.
type Hello struct {
	// SNI is the extracted server name. Empty when Plain is true.
	SNI string
	// Plain is true when the connection did not carry a recognizable,
	// SNI-bearing ClientHello; Raw should then be replayed verbatim
	// instead of terminating TLS.
	Plain bool
	// Raw is every byte already consumed while peeking, which must be
	// replayed to whatever consumes the connection next regardless of
	// Plain.
	Raw []byte
}

// Peek reads conn's opening bytes looking for a ClientHello's SNI, without
// losing any data: Raw always holds exactly what was consumed, so the
// caller can hand the connection off to Terminate (SNI found) or splice it
// through unmodified (Plain).
func Peek(conn net.Conn) *Hello {
	sni, raw, err := PeekClientHello(conn)
	if err != nil {
		return &Hello{Plain: true, Raw: raw}
	}
	return &Hello{SNI: sni, Raw: raw}
}

// Terminate completes the TLS handshake on conn as a server, using leaf
// (a certificate for hello.SNI from CertStore.Get), replaying hello.Raw first.
// The caller owns the returned *tls.Conn and is responsible for closing it
// (which does not close leaf — call leaf.Release separately once the
// connection using it is done).
func Terminate(conn net.Conn, hello *Hello, leaf *Leaf) *tls.Conn {
	cfg := &tls.Config{Certificates: []tls.Certificate{leaf.Cert}}
	return tls.Server(withPrefix(conn, hello.Raw), cfg)
}

// DialUpstream connects to addr and performs a client-side TLS handshake
// presenting serverName for SNI and certificate verification.
func DialUpstream(addr, serverName string) (*tls.Conn, error) {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: serverName})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
