package frontend

import "testing"

func TestParseConnectTarget(t *testing.T) {
	head := &RequestHead{Method: "CONNECT", URL: "example.com:443", Version: "HTTP/1.1"}
	host, port, err := ParseConnectTarget(head)
	if err != nil {
		t.Fatal(err)
	}
	if host != "example.com" || port != "443" {
		t.Fatalf("got %q %q", host, port)
	}
}

func TestParseConnectTargetMalformed(t *testing.T) {
	head := &RequestHead{Method: "CONNECT", URL: "not-a-valid-target", Version: "HTTP/1.1"}
	if _, _, err := ParseConnectTarget(head); err == nil {
		t.Fatal("expected an error for a malformed CONNECT target")
	}
}
