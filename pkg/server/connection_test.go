package server

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/frontend"
)

type fakeConn struct {
	net.Conn
	data []byte
	pos  int
}

func (f *fakeConn) Read(p []byte) (int, error) {
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func TestTeeReaderRecordsUpToCap(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	rec := &teeReader{Conn: &fakeConn{data: data}, cap: 10}

	buf := make([]byte, 100)
	n, _ := rec.Read(buf)
	if n != 100 {
		t.Fatalf("got n=%d", n)
	}
	if rec.buf.Len() != 10 {
		t.Fatalf("expected recorded prefix capped at 10 bytes, got %d", rec.buf.Len())
	}
	if string(rec.buf.Bytes()) != string(data[:10]) {
		t.Fatal("recorded prefix does not match the stream's leading bytes")
	}
}

func TestTeeReaderStopsRecordingOnceCapReached(t *testing.T) {
	rec := &teeReader{Conn: &fakeConn{data: []byte("hello")}, cap: 3}
	buf := make([]byte, 2)

	rec.Read(buf) // "he"
	rec.Read(buf) // "ll"
	rec.Read(buf) // "o"

	if rec.buf.Len() != 3 {
		t.Fatalf("expected recording to stop at cap=3, got %d bytes: %q", rec.buf.Len(), rec.buf.Bytes())
	}
	if string(rec.buf.Bytes()) != "hel" {
		t.Fatalf("got %q", rec.buf.Bytes())
	}
}

func TestRelayRawPassthroughForwardsBothDirections(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	upstreamDone := make(chan string, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			upstreamDone <- ""
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("reply"))
		upstreamDone <- string(buf)
	}()

	host, portStr, _ := net.SplitHostPort(upstreamLn.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	s := newTestServer()
	meta := frontend.ConnectionMeta{ObservedIP: host, ObservedPort: port}
	br := bufio.NewReader(serverSide)

	relayDone := make(chan struct{})
	go func() {
		s.relayRawPassthrough(serverSide, br, meta)
		close(relayDone)
	}()

	clientSide.Write([]byte("hello"))

	if got := <-upstreamDone; got != "hello" {
		t.Fatalf("upstream received %q", got)
	}

	reply := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientSide, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "reply" {
		t.Fatalf("got reply %q", reply)
	}

	clientSide.Close()
	<-relayDone
}
