package frontend

import (
	"bufio"
	"strings"
	"testing"
)

func TestClassifyTLS(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("\x16\x03\x01\x00\x05hello"))
	proto, err := Classify(br, true)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtocolTLS {
		t.Fatalf("got %v", proto)
	}
}

func TestClassifyHTTP1(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	proto, err := Classify(br, true)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtocolHTTP1 {
		t.Fatalf("got %v", proto)
	}
}

func TestClassifySOCKS(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("\x05\x01\x00"))
	proto, err := Classify(br, true)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtocolSOCKS {
		t.Fatalf("got %v", proto)
	}
}

func TestClassifySOCKSDisabledFallsThrough(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("\x05garbage"))
	proto, err := Classify(br, false)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtocolUnknown {
		t.Fatalf("got %v", proto)
	}
}

func TestClassifyUnknown(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("???garbage"))
	proto, err := Classify(br, true)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtocolUnknown {
		t.Fatalf("got %v", proto)
	}
}

func TestALPNRoute(t *testing.T) {
	if ALPNRoute("h2") != ProtocolHTTP2 {
		t.Fatal("expected h2 route")
	}
	if ALPNRoute("http/1.1") != ProtocolHTTP1 {
		t.Fatal("expected http/1.1 route")
	}
	if ALPNRoute("") != ProtocolHTTP1 {
		t.Fatal("expected absent ALPN to route to http/1.1")
	}
}
