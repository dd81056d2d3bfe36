package request

import (
	"bytes"
	"compress/gzip"
	"testing"
)

func TestBodyWriteAndBytes(t *testing.T) {
	b := NewBody(1024, "", nil)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	b.Complete()

	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("got %q", data)
	}
	if !b.IsCompleted() {
		t.Fatal("expected completed")
	}
}

func TestBodyTruncatesOverMaxSize(t *testing.T) {
	var truncatedChunks [][]byte
	b := NewBody(4, "", func(chunks [][]byte) {
		truncatedChunks = chunks
	})
	b.Write([]byte("ab"))
	b.Write([]byte("cd"))
	b.Write([]byte("ef")) // pushes size to 6 > 4

	if !b.IsTruncated() {
		t.Fatal("expected truncated")
	}
	if len(truncatedChunks) != 2 {
		t.Fatalf("expected 2 buffered chunks before truncation, got %d", len(truncatedChunks))
	}

	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatalf("expected nil bytes after truncation, got %q", data)
	}
}

func TestBodyDecodedGzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	b := NewCompletedBody(buf.Bytes(), "gzip")
	text, err := b.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != `{"ok":true}` {
		t.Fatalf("got %q", text)
	}
}

func TestBodyJSON(t *testing.T) {
	b := NewCompletedBody([]byte(`{"name":"test"}`), "")
	var v struct {
		Name string `json:"name"`
	}
	if err := b.JSON(&v); err != nil {
		t.Fatal(err)
	}
	if v.Name != "test" {
		t.Fatalf("got %q", v.Name)
	}
}

func TestBodyFormValues(t *testing.T) {
	b := NewCompletedBody([]byte("a=1&b=2"), "")
	form, err := b.Form()
	if err != nil {
		t.Fatal(err)
	}
	if form.Get("a") != "1" || form.Get("b") != "2" {
		t.Fatalf("got %v", form)
	}
}

func TestBodyUnknownEncodingErrors(t *testing.T) {
	b := NewCompletedBody([]byte("data"), "brotli")
	if _, err := b.Decoded(); err == nil {
		t.Fatal("expected error for unknown content-encoding")
	}
}

func TestEncodeContentEncodingRoundTrip(t *testing.T) {
	encoded, err := EncodeContentEncoding([]byte("payload"), "gzip")
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeContentEncoding(encoded, "gzip")
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "payload" {
		t.Fatalf("got %q", decoded)
	}
}
