//go:build !linux

package socks5

import (
	"errors"
	"net"
)

// originalDst is unsupported outside Linux: there is no portable
// equivalent of SO_ORIGINAL_DST, so transparent NAT-redirect mode is
// unavailable and every connection must perform a real SOCKS5 handshake.
func originalDst(conn *net.TCPConn) (*net.TCPAddr, error) {
	return nil, errors.New("socks5: transparent redirect mode is only supported on linux")
}
