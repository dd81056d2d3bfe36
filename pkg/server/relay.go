package server

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ghostproxy/ghostproxy/pkg/frontend"
	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// relayBidirectional copies bytes in both directions between a and b until
// either side closes, for raw-byte tunnels where neither side has bytes
// buffered in a bufio.Reader.
func relayBidirectional(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(a, b) }()
	go func() { defer wg.Done(); io.Copy(b, a) }()
	wg.Wait()
}

// relayRawStream is relayBidirectional's counterpart for a downstream side
// that's already been classified through a bufio.Reader: reads must come
// from br (which may still hold buffered-but-unread bytes the classifier
// peeked), while writes go straight to conn.
func relayRawStream(conn net.Conn, br *bufio.Reader, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, br) }()
	go func() { defer wg.Done(); io.Copy(conn, upstream) }()
	wg.Wait()
}

// wsDestination resolves the "ws(s)://host:port/path" URL to dial upstream
// for a WebSocket pass-through, using the same Host-header-first precedence
// the rest of the proxy uses for destination resolution.
func wsDestination(head *frontend.RequestHead, meta frontend.ConnectionMeta, protocol request.Protocol) string {
	host, _ := head.Headers.Get("Host")
	if host == "" {
		host = meta.ObservedIP
	}
	scheme := "ws"
	if protocol == request.ProtocolWSS {
		scheme = "wss"
	}
	return scheme + "://" + host + head.URL
}

func websocketDial(dest string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(dest, nil)
}

// relayWebSocket forwards frames between the two already-upgraded
// connections until either side ends the stream.
func relayWebSocket(client, upstream *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); copyWSFrames(upstream, client) }()
	go func() { defer wg.Done(); copyWSFrames(client, upstream) }()
	wg.Wait()
}

func copyWSFrames(dst, src *websocket.Conn) {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}
