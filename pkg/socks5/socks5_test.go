package socks5

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestHandshakeDomainTarget(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	resultCh := make(chan *Target, 1)
	errCh := make(chan error, 1)
	go func() {
		target, err := Handshake(srv)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- target
	}()

	go func() {
		cli.Write([]byte{0x05, 0x01, 0x00})
		domain := "example.com"
		req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
		req = append(req, domain...)
		req = append(req, 0x01, 0xBB) // port 443
		cli.Write(req)
	}()

	sel := make([]byte, 2)
	if _, err := io.ReadFull(cli, sel); err != nil {
		t.Fatalf("reading method selection: %v", err)
	}
	if sel[0] != 0x05 || sel[1] != 0x00 {
		t.Fatalf("method selection = % x, want no-auth accepted", sel)
	}

	select {
	case target := <-resultCh:
		if target.Host != "example.com" || target.Domain != "example.com" || target.Port != 443 {
			t.Fatalf("target = %+v", target)
		}
		if target.AddrType != atypDomain {
			t.Fatalf("AddrType = %d, want %d", target.AddrType, atypDomain)
		}
	case err := <-errCh:
		t.Fatalf("Handshake: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Handshake did not complete in time")
	}
}

func TestHandshakeIPv4Target(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	resultCh := make(chan *Target, 1)
	go func() {
		target, err := Handshake(srv)
		if err == nil {
			resultCh <- target
		}
	}()

	go func() {
		cli.Write([]byte{0x05, 0x01, 0x00})
		req := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50} // 10.0.0.1:80
		cli.Write(req)
	}()

	sel := make([]byte, 2)
	io.ReadFull(cli, sel)

	select {
	case target := <-resultCh:
		if target.Host != "10.0.0.1" || target.Port != 80 {
			t.Fatalf("target = %+v", target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handshake did not complete in time")
	}
}

func TestHandshakeDomainSplitNameFromAddress(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	resultCh := make(chan *Target, 1)
	go func() {
		target, err := Handshake(srv)
		if err == nil {
			resultCh <- target
		}
	}()

	go func() {
		cli.Write([]byte{0x05, 0x01, 0x00})
		name := "real.example.com>10.1.2.3"
		req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}
		req = append(req, name...)
		req = append(req, 0x00, 0x50)
		cli.Write(req)
	}()

	sel := make([]byte, 2)
	io.ReadFull(cli, sel)

	select {
	case target := <-resultCh:
		if target.Domain != "real.example.com" || target.Host != "10.1.2.3" {
			t.Fatalf("target = %+v, want Domain=real.example.com Host=10.1.2.3", target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handshake did not complete in time")
	}
}

func TestHandshakeRejectsClientWithoutNoAuth(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(srv)
		errCh <- err
	}()

	go cli.Write([]byte{0x05, 0x01, 0x02}) // offers only username/password

	sel := make([]byte, 2)
	io.ReadFull(cli, sel)
	if sel[0] != 0x05 || sel[1] != 0xFF {
		t.Fatalf("method selection = % x, want a no-acceptable-methods reply", sel)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Handshake to fail when no-auth is not offered")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handshake did not complete in time")
	}
}

func TestReplySuccessEchoesRawAddressVerbatim(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	target := &Target{AddrType: atypIPv4, Raw: []byte{127, 0, 0, 1}, Port: 8080}

	go target.ReplySuccess(srv)

	reply := make([]byte, 4+4+2)
	if _, err := io.ReadFull(cli, reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 || reply[3] != atypIPv4 {
		t.Fatalf("reply header = % x", reply[:4])
	}
	if string(reply[4:8]) != string([]byte{127, 0, 0, 1}) {
		t.Fatalf("reply address = % x, want 127.0.0.1", reply[4:8])
	}
	if reply[8] != 0x1F || reply[9] != 0x90 {
		t.Fatalf("reply port = % x, want 8080", reply[8:10])
	}
}

func TestReplyFailureUsesGeneralFailureCode(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	target := &Target{AddrType: atypDomain, Raw: []byte{5, 'h', 'e', 'l', 'l', 'o'}}

	go target.ReplyFailure(srv)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(cli, reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if reply[1] != replyGeneralFailure {
		t.Fatalf("reply code = %d, want %d", reply[1], replyGeneralFailure)
	}
}

// TestReplyNoopForTransparentTarget ensures a Target that never performed a
// handshake (Raw is nil) never attempts to write a reply — if it did, this
// test would hang, since nothing ever reads from conn.
func TestReplyNoopForTransparentTarget(t *testing.T) {
	srv, _ := net.Pipe()
	defer srv.Close()

	target := &Target{}
	done := make(chan error, 2)
	go func() { done <- target.ReplySuccess(srv) }()
	go func() { done <- target.ReplyFailure(srv) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("expected a nil error for a no-op reply, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("reply on a transparent target should return immediately without writing")
		}
	}
}
