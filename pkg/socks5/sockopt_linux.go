//go:build linux

package socks5

import (
	"fmt"
	"net"
	"syscall"
)

// originalDst recovers the pre-NAT destination address of conn via the
// SO_ORIGINAL_DST socket option set by an iptables REDIRECT/TPROXY rule.
// The IPv6Mreq getsockopt happens to return a 16-byte buffer, the same
// size as a sockaddr_in, so it doubles as the decoding vehicle for the
// Linux-specific option 80 that has no direct syscall package wrapper.
func originalDst(conn *net.TCPConn) (*net.TCPAddr, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	const solIP = 0
	const soOriginalDst = 80

	var addr *net.TCPAddr
	var opErr error
	ctrlErr := sc.Control(func(fd uintptr) {
		mreq, err := syscall.GetsockoptIPv6Mreq(int(fd), solIP, soOriginalDst)
		if err != nil {
			opErr = err
			return
		}
		// sockaddr_in layout: family(2) port(2) addr(4) ...
		raw := mreq.Multiaddr
		port := int(raw[2])<<8 | int(raw[3])
		ip := net.IPv4(raw[4], raw[5], raw[6], raw[7])
		addr = &net.TCPAddr{IP: ip, Port: port}
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if opErr != nil {
		return nil, fmt.Errorf("socks5: SO_ORIGINAL_DST: %w", opErr)
	}
	return addr, nil
}
