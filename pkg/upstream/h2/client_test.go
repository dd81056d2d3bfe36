package h2

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/upstream/transport"
)

func newH2TestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.EnableHTTP2 = true
	srv.StartTLS()
	return srv
}

func optsFor(t *testing.T, srv *httptest.Server) transport.Options {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return transport.Options{
		Scheme:      "https",
		Host:        u.Hostname(),
		Port:        port,
		InsecureTLS: true,
		ConnTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	}
}

func TestClientDoNegotiatesHTTP2(t *testing.T) {
	srv := newH2TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 {
			t.Errorf("expected HTTP/2 request, got proto %d", r.ProtoMajor)
		}
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "hello from h2")
	})
	defer srv.Close()

	opts := optsFor(t, srv)
	req := []byte(fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s:%d\r\n\r\n", opts.Host, opts.Port))

	client := NewClient(nil)
	resp, err := client.Do(context.Background(), req, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	defer resp.Raw.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if resp.HTTPVersion != "HTTP/2" {
		t.Fatalf("got version %q", resp.HTTPVersion)
	}
	if string(resp.Body.Bytes()) != "hello from h2" {
		t.Fatalf("got body %q", resp.Body.Bytes())
	}
}

func TestClientDoReturnsErrNoALPNForHTTPScheme(t *testing.T) {
	client := NewClient(nil)
	_, err := client.Do(context.Background(), []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), transport.Options{
		Scheme: "http", Host: "x", Port: 80,
	})
	if err != ErrNoALPN {
		t.Fatalf("got %v", err)
	}
}

func TestParseWireRequestRetargetsAbsoluteURL(t *testing.T) {
	req := []byte("POST /submit HTTP/1.1\r\nHost: backend.example.com\r\nContent-Length: 4\r\n\r\nbody")
	httpReq, err := parseWireRequest(req, transport.Options{Host: "backend.example.com", Port: 443})
	if err != nil {
		t.Fatal(err)
	}
	if httpReq.URL.Scheme != "https" || httpReq.URL.Host != "backend.example.com" {
		t.Fatalf("got %s", httpReq.URL.String())
	}
	if !strings.Contains(httpReq.URL.Path, "/submit") {
		t.Fatalf("got path %q", httpReq.URL.Path)
	}
}
