// Package tlsmitm implements the TLS-stripping boundary collaborator: a
// bit-exact peek of an incoming ClientHello to recover the SNI server name
// that hands back every byte it consumed for replay, and a CA-signed leaf-certificate mint
// with a refcounted cache so concurrent connections to the same name reuse
// one certificate.
package tlsmitm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxPeek bounds how much of a connection's opening bytes this package will
// ever buffer while hunting for a ClientHello; a legitimate one is always
// much smaller.
const maxPeek = 1024 * 10

// peeker accumulates every byte read from r so far, so a caller that gives
// up partway through (no ClientHello, or a parse failure) can still replay
// exactly what it already consumed.
type peeker struct {
	r   io.Reader
	buf []byte
}

func newPeeker(r io.Reader) *peeker {
	return &peeker{r: r}
}

// Raw returns every byte read so far, for priming a fallback passthrough.
func (p *peeker) Raw() []byte { return p.buf }

func (p *peeker) read(n int) ([]byte, error) {
	if len(p.buf)+n > maxPeek {
		return nil, fmt.Errorf("tlsmitm: ClientHello exceeded %d byte peek limit", maxPeek)
	}
	chunk := make([]byte, n)
	if _, err := io.ReadFull(p.r, chunk); err != nil {
		return nil, err
	}
	p.buf = append(p.buf, chunk...)
	return chunk, nil
}

func (p *peeker) readByte() (byte, error) {
	b, err := p.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *peeker) readUint16() (uint16, error) {
	b, err := p.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// PeekClientHello reads just enough of r's opening bytes to recover the SNI
// server name from a TLS 1.2+ ClientHello, returning every byte consumed
// along the way in raw regardless of outcome so the caller can always
// replay them. A non-nil error (malformed record, wrong content type, no
// server_name extension) means the connection is not a recognizable,
// SNI-bearing TLS ClientHello — the caller should treat it as plain
// traffic and forward raw verbatim.
//
// The parse is field by field: TLSPlaintext record header, Handshake
// header, ClientHello's legacy_version/random/session_id/cipher_suites/
// compression_methods, then a linear scan of extensions for server_name
// (extension type 0).
func PeekClientHello(r io.Reader) (sni string, raw []byte, err error) {
	p := newPeeker(r)
	sni, err = p.parseClientHello()
	return sni, p.Raw(), err
}

func (p *peeker) parseClientHello() (string, error) {
	ptype, err := p.readByte()
	if err != nil {
		return "", err
	}
	if ptype != 22 { // TLSPlaintext::type == ContentType::handshake
		return "", fmt.Errorf("tlsmitm: not a TLS handshake record (type %d)", ptype)
	}
	if _, err := p.read(2); err != nil { // legacy_record_version, deprecated and ignored
		return "", err
	}
	plength, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if plength < 54 {
		return "", fmt.Errorf("tlsmitm: TLSPlaintext fragment too short (%d)", plength)
	}

	htype, err := p.readByte()
	if err != nil {
		return "", err
	}
	if htype != 1 { // Handshake::type == HandshakeType::client_hello
		return "", fmt.Errorf("tlsmitm: not a ClientHello (handshake type %d)", htype)
	}
	hlenBytes, err := p.read(3)
	if err != nil {
		return "", err
	}
	hlength := int(hlenBytes[0])<<16 | int(hlenBytes[1])<<8 | int(hlenBytes[2])
	if hlength > int(plength)-4 {
		return "", fmt.Errorf("tlsmitm: Handshake length %d exceeds fragment", hlength)
	}
	if hlength < 50 {
		return "", fmt.Errorf("tlsmitm: ClientHello too short (%d)", hlength)
	}

	version, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if version != 0x0303 {
		return "", fmt.Errorf("tlsmitm: unexpected ClientHello version 0x%04x", version)
	}
	if _, err := p.read(32); err != nil { // random
		return "", err
	}
	sidLen, err := p.readByte()
	if err != nil {
		return "", err
	}
	if sidLen > 32 {
		return "", fmt.Errorf("tlsmitm: session_id too long (%d)", sidLen)
	}
	hlength -= 35 + int(sidLen) + 2
	if hlength < 13 {
		return "", fmt.Errorf("tlsmitm: ClientHello truncated before cipher_suites")
	}
	if sidLen > 0 {
		if _, err := p.read(int(sidLen)); err != nil {
			return "", err
		}
	}

	cipherLen, err := p.readUint16()
	if err != nil {
		return "", err
	}
	hlength -= int(cipherLen) + 1
	if hlength < 12 {
		return "", fmt.Errorf("tlsmitm: ClientHello truncated before compression_methods")
	}
	if cipherLen > 0 {
		if _, err := p.read(int(cipherLen)); err != nil {
			return "", err
		}
	}

	compLen, err := p.readByte()
	if err != nil {
		return "", err
	}
	hlength -= int(compLen) + 2
	if hlength < 10 {
		return "", fmt.Errorf("tlsmitm: ClientHello truncated before extensions")
	}
	if compLen > 0 {
		if _, err := p.read(int(compLen)); err != nil {
			return "", err
		}
	}

	extLen, err := p.readUint16()
	if err != nil {
		return "", err
	}
	if hlength < int(extLen) {
		return "", fmt.Errorf("tlsmitm: extensions block longer than remaining ClientHello")
	}

	remaining := int(extLen)
	for remaining > 0 {
		remaining -= 4
		if remaining < 0 {
			return "", fmt.Errorf("tlsmitm: truncated extension header")
		}
		etype, err := p.readUint16()
		if err != nil {
			return "", err
		}
		elength, err := p.readUint16()
		if err != nil {
			return "", err
		}
		remaining -= int(elength)
		if remaining < 0 {
			return "", fmt.Errorf("tlsmitm: extension body longer than remaining extensions block")
		}
		body, err := p.read(int(elength))
		if err != nil {
			return "", err
		}
		if etype != 0 { // only server_name (type 0) is of interest
			continue
		}
		sni, ok := serverNameFromExtension(body)
		if !ok {
			return "", fmt.Errorf("tlsmitm: malformed server_name extension")
		}
		if sni == "" {
			return "", fmt.Errorf("tlsmitm: empty SNI host_name")
		}
		return sni, nil
	}
	return "", fmt.Errorf("tlsmitm: ClientHello has no server_name extension")
}

// serverNameFromExtension parses a server_name extension body looking for
// the first host_name (type 0) entry in its ServerNameList.
func serverNameFromExtension(body []byte) (string, bool) {
	if len(body) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2
	if listLen > len(body)-2 {
		listLen = len(body) - 2
	}
	end := 2 + listLen
	for off+3 <= end {
		stype := body[off]
		off++
		slen := int(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
		if off+slen > len(body) {
			return "", false
		}
		name := body[off : off+slen]
		off += slen
		if stype == 0 {
			return string(name), true
		}
	}
	return "", false
}
