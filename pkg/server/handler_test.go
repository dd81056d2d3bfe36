package server

import (
	"context"
	"errors"
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
)

func TestInjectDefaultHeadersSetsContentLength(t *testing.T) {
	headers := injectDefaultHeaders(request.RawHeaders{}, 5, false)
	if v, ok := headers.Get("Content-Length"); !ok || v != "5" {
		t.Fatalf("got Content-Length %q", v)
	}
	if _, ok := headers.Get("Date"); !ok {
		t.Fatal("expected Date header to be injected")
	}
}

func TestInjectDefaultHeadersUnknownSizeGoesChunked(t *testing.T) {
	headers := injectDefaultHeaders(request.RawHeaders{}, -1, false)
	if v, ok := headers.Get("Transfer-Encoding"); !ok || v != "chunked" {
		t.Fatalf("got Transfer-Encoding %q", v)
	}
}

func TestInjectDefaultHeadersRespectsExplicitFraming(t *testing.T) {
	headers := request.RawHeaders{}.Set("Content-Length", "100")
	got := injectDefaultHeaders(headers, 5, false)
	if v, _ := got.Get("Content-Length"); v != "100" {
		t.Fatalf("expected caller's Content-Length to survive, got %q", v)
	}
}

func TestInjectDefaultHeadersRawFramedLeavesFramingAlone(t *testing.T) {
	headers := injectDefaultHeaders(request.RawHeaders{}, 5, true)
	if _, ok := headers.Get("Content-Length"); ok {
		t.Fatal("expected no Content-Length for a raw-framed body")
	}
	if _, ok := headers.Get("Date"); !ok {
		t.Fatal("expected Date header even for a raw-framed body")
	}
}

func TestResponseFromSpec(t *testing.T) {
	spec := rules.ResponseSpec{StatusCode: 201, Body: []byte("created")}
	resp := responseFromSpec(spec)
	if resp.StatusCode != 201 || resp.StatusMsg != "Created" {
		t.Fatalf("got %+v", resp)
	}
	body, err := resp.Body.Bytes()
	if err != nil || string(body) != "created" {
		t.Fatalf("got body %q err %v", body, err)
	}
}

func TestRealizeHandlerReplyWith(t *testing.T) {
	s := &Server{}
	hr, err := s.realizeHandler(context.Background(), &request.Request{}, rules.ReplyWithHandler{
		Spec: rules.ResponseSpec{StatusCode: 200, Body: []byte("ok")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if hr.Response == nil || hr.Response.StatusCode != 200 {
		t.Fatalf("got %+v", hr)
	}
}

func TestRealizeHandlerCloseConnection(t *testing.T) {
	s := &Server{}
	hr, err := s.realizeHandler(context.Background(), &request.Request{}, rules.CloseConnectionHandler{})
	if err != nil {
		t.Fatal(err)
	}
	if !hr.Close {
		t.Fatal("expected Close to be set")
	}
}

func TestRealizeHandlerTimeoutForeverUnblocksOnCancel(t *testing.T) {
	s := &Server{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hr, err := s.realizeHandler(ctx, &request.Request{}, rules.TimeoutForeverHandler{})
	if err != nil {
		t.Fatal(err)
	}
	if !hr.Close {
		t.Fatal("expected Close to be set once the context is cancelled")
	}
}

func TestRealizeHandlerCallbackError(t *testing.T) {
	s := &Server{}
	boom := errors.New("boom")
	_, err := s.realizeHandler(context.Background(), &request.Request{}, rules.CallbackHandler{
		Fn: func(req *request.Request) (*rules.ResponseSpec, error) { return nil, boom },
	})
	if err != boom {
		t.Fatalf("got err %v", err)
	}
}

func TestRealizeHandlerCallbackClose(t *testing.T) {
	s := &Server{}
	hr, err := s.realizeHandler(context.Background(), &request.Request{}, rules.CallbackHandler{
		Fn: func(req *request.Request) (*rules.ResponseSpec, error) { return rules.CloseSentinel, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !hr.Close {
		t.Fatal("expected the close sentinel to produce a Close result")
	}
}
