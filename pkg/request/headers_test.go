package request

import "testing"

func TestRawHeadersWireBytesRoundTrip(t *testing.T) {
	h := RawHeaders{
		{Name: "Host", Value: "example.com"},
		{Name: "X-Foo", Value: "bar"},
	}
	want := "Host: example.com\r\nX-Foo: bar\r\n\r\n"
	if got := string(h.WireBytes()); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRawHeadersParsedLowercasesAndPreservesDuplicates(t *testing.T) {
	h := RawHeaders{
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "set-cookie", Value: "b=2"},
	}
	p := h.Parsed()
	vals := p["set-cookie"]
	if len(vals) != 2 || vals[0] != "a=1" || vals[1] != "b=2" {
		t.Fatalf("got %v", vals)
	}
}

func TestRawHeadersSetReplacesInPlace(t *testing.T) {
	h := RawHeaders{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Foo", Value: "bar"},
	}
	h = h.Set("Content-Type", "application/json")
	if len(h) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(h))
	}
	if v, _ := h.Get("Content-Type"); v != "application/json" {
		t.Fatalf("got %q", v)
	}
}

func TestRawHeadersRemove(t *testing.T) {
	h := RawHeaders{
		{Name: "X-Foo", Value: "1"},
		{Name: "X-Bar", Value: "2"},
	}
	h = h.Remove("x-foo")
	if _, ok := h.Get("X-Foo"); ok {
		t.Fatal("expected X-Foo removed")
	}
	if v, _ := h.Get("X-Bar"); v != "2" {
		t.Fatalf("got %q", v)
	}
}

func TestStripPseudoHeaders(t *testing.T) {
	h := RawHeaders{
		{Name: ":status", Value: "200"},
		{Name: "Content-Type", Value: "text/plain"},
	}
	out := StripPseudoHeaders(h)
	if len(out) != 1 || out[0].Name != "Content-Type" {
		t.Fatalf("got %v", out)
	}
}
