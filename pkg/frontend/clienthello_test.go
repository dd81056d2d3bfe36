package frontend

import (
	"bufio"
	"bytes"
	"testing"
)

func u16(n int) []byte { return []byte{byte(n >> 8), byte(n)} }
func u24(n int) []byte { return []byte{byte(n >> 16), byte(n >> 8), byte(n)} }

func buildClientHello(t *testing.T, sni string, alpns []string) []byte {
	t.Helper()
	body := &bytes.Buffer{}
	body.Write([]byte{0x03, 0x03})
	body.Write(make([]byte, 32))
	body.WriteByte(0x00) // session id length
	body.Write(u16(2))
	body.Write([]byte{0x13, 0x01}) // one cipher suite
	body.Write([]byte{0x01, 0x00}) // one compression method (null)

	ext := &bytes.Buffer{}
	if sni != "" {
		entry := &bytes.Buffer{}
		entry.WriteByte(0x00)
		entry.Write(u16(len(sni)))
		entry.WriteString(sni)
		list := &bytes.Buffer{}
		list.Write(u16(entry.Len()))
		list.Write(entry.Bytes())
		ext.Write(u16(0x0000))
		ext.Write(u16(list.Len()))
		ext.Write(list.Bytes())
	}
	if len(alpns) > 0 {
		protoList := &bytes.Buffer{}
		for _, p := range alpns {
			protoList.WriteByte(byte(len(p)))
			protoList.WriteString(p)
		}
		data := &bytes.Buffer{}
		data.Write(u16(protoList.Len()))
		data.Write(protoList.Bytes())
		ext.Write(u16(0x0010))
		ext.Write(u16(data.Len()))
		ext.Write(data.Bytes())
	}
	body.Write(u16(ext.Len()))
	body.Write(ext.Bytes())

	hs := &bytes.Buffer{}
	hs.WriteByte(0x01)
	hs.Write(u24(body.Len()))
	hs.Write(body.Bytes())

	record := &bytes.Buffer{}
	record.Write([]byte{0x16, 0x03, 0x01})
	record.Write(u16(hs.Len()))
	record.Write(hs.Bytes())
	return record.Bytes()
}

func TestPeekClientHelloExtractsSNIAndALPN(t *testing.T) {
	raw := buildClientHello(t, "example.com", []string{"h2", "http/1.1"})
	br := bufio.NewReader(bytes.NewReader(raw))

	info, err := PeekClientHello(br)
	if err != nil {
		t.Fatal(err)
	}
	if info.SNI != "example.com" {
		t.Fatalf("got SNI %q", info.SNI)
	}
	if len(info.ALPN) != 2 || info.ALPN[0] != "h2" || info.ALPN[1] != "http/1.1" {
		t.Fatalf("got ALPN %+v", info.ALPN)
	}
	if info.JA3 == "" || info.JA4 == "" {
		t.Fatal("expected non-empty fingerprints")
	}

	// Peek must not consume: the bytes are still readable afterward.
	if br.Buffered() != len(raw) {
		t.Fatalf("expected Peek to leave %d bytes buffered, got %d", len(raw), br.Buffered())
	}
}

func TestPeekClientHelloNoSNI(t *testing.T) {
	raw := buildClientHello(t, "", nil)
	br := bufio.NewReader(bytes.NewReader(raw))
	info, err := PeekClientHello(br)
	if err != nil {
		t.Fatal(err)
	}
	if info.SNI != "" {
		t.Fatalf("expected no SNI, got %q", info.SNI)
	}
}

func TestPeekClientHelloRejectsNonHandshake(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte{0x17, 0x03, 0x01, 0x00, 0x01, 0x00}))
	if _, err := PeekClientHello(br); err == nil {
		t.Fatal("expected error for non-handshake record")
	}
}

func TestJA3Deterministic(t *testing.T) {
	a, _ := parseClientHello(chBody(t, "a.example.com"))
	b, _ := parseClientHello(chBody(t, "b.example.com"))
	a2, _ := parseClientHello(chBody(t, "a.example.com"))

	if a.JA3 != a2.JA3 {
		t.Fatal("expected identical ClientHello shape to produce identical JA3")
	}
	// SNI doesn't factor into classic JA3 so this isn't required to differ,
	// but the helper below exercises the extension-parsing path regardless.
	_ = b
}

func chBody(t *testing.T, sni string) []byte {
	t.Helper()
	raw := buildClientHello(t, sni, []string{"h2"})
	// Strip record + handshake headers to get the ClientHello body parseClientHello expects.
	hsLen := int(raw[6])<<16 | int(raw[7])<<8 | int(raw[8])
	return raw[9 : 9+hsLen]
}
