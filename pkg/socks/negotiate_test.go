package socks

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"
)

func defaultConfig() Config {
	return Config{AcceptedMethods: []AuthMethod{AuthNoAuth, AuthUserPasswordMetadata, AuthCustomMetadata}}
}

func TestNegotiateV4Connect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct {
		res *Result
		err error
	}, 1)
	go func() {
		res, err := Negotiate(server, defaultConfig())
		done <- struct {
			res *Result
			err error
		}{res, err}
	}()

	req := []byte{0x04, 0x01, 0x00, 0x50, 93, 184, 216, 34, 0x00} // CONNECT 93.184.216.34:80
	client.Write(req)

	reply := make([]byte, 8)
	if _, err := client.Read(reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x5A {
		t.Fatalf("expected grant, got 0x%02x", reply[1])
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("negotiate: %v", out.err)
	}
	if out.res.IP != "93.184.216.34" || out.res.Port != 80 {
		t.Fatalf("got %+v", out.res)
	}
}

func TestNegotiateV4aDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan *Result, 1)
	go func() {
		res, _ := Negotiate(server, defaultConfig())
		done <- res
	}()

	req := []byte{0x04, 0x01, 0x00, 0x50, 0x00, 0x00, 0x00, 0x01, 0x00}
	req = append(req, []byte("example.com\x00")...)
	client.Write(req)

	reply := make([]byte, 8)
	client.Read(reply)

	res := <-done
	if res == nil || res.Hostname != "example.com" {
		t.Fatalf("got %+v", res)
	}
}

func TestNegotiateV5NoAuthDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan *Result, 1)
	go func() {
		res, _ := Negotiate(server, defaultConfig())
		done <- res
	}()

	client.Write([]byte{0x05, 0x01, 0x00}) // offer no-auth
	methodReply := make([]byte, 2)
	client.Read(methodReply)
	if methodReply[1] != methodNoAuth {
		t.Fatalf("expected no-auth selected, got 0x%02x", methodReply[1])
	}

	domain := "example.org"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, []byte(domain)...)
	req = append(req, 0x01, 0xBB) // port 443
	client.Write(req)

	reply := make([]byte, 10)
	client.Read(reply)
	if reply[1] != 0x00 {
		t.Fatalf("expected success reply, got 0x%02x", reply[1])
	}

	res := <-done
	if res == nil || res.Hostname != "example.org" || res.Port != 443 {
		t.Fatalf("got %+v", res)
	}
}

func TestNegotiateV5CustomMetadataAccept(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan *Result, 1)
	go func() {
		res, _ := Negotiate(server, defaultConfig())
		done <- res
	}()

	client.Write([]byte{0x05, 0x01, methodCustomMetadata})
	methodReply := make([]byte, 2)
	client.Read(methodReply)
	if methodReply[1] != methodCustomMetadata {
		t.Fatalf("expected custom-metadata selected, got 0x%02x", methodReply[1])
	}

	payload, _ := json.Marshal(map[string][]string{"tags": {"t1", "t2"}})
	lenPrefix := []byte{byte(len(payload) >> 8), byte(len(payload))}
	client.Write(append(lenPrefix, payload...))

	authReply := make([]byte, 2)
	client.Read(authReply)
	if authReply[1] != 0x00 {
		t.Fatalf("expected auth accept, got 0x%02x", authReply[1])
	}

	domain := "api.example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	req = append(req, []byte(domain)...)
	req = append(req, 0x01, 0xBB)
	client.Write(req)
	reply := make([]byte, 10)
	client.Read(reply)

	res := <-done
	if res == nil {
		t.Fatal("expected a result")
	}
	if len(res.Tags) != 2 || res.Tags[0] != "socket-metadata:t1" || res.Tags[1] != "socket-metadata:t2" {
		t.Fatalf("got tags %+v", res.Tags)
	}
}

func TestNegotiateV5CustomMetadataInvalidJSON(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Negotiate(server, defaultConfig())
		errCh <- err
	}()

	client.Write([]byte{0x05, 0x01, methodCustomMetadata})
	methodReply := make([]byte, 2)
	client.Read(methodReply)

	payload := []byte("not json")
	lenPrefix := []byte{0x00, byte(len(payload))}
	client.Write(append(lenPrefix, payload...))

	rejectHeader := make([]byte, 3)
	client.Read(rejectHeader)
	if rejectHeader[1] != methodCustomMetadata {
		t.Fatalf("expected 0xDA rejection, got 0x%02x", rejectHeader[1])
	}
	body := make([]byte, rejectHeader[2])
	client.Read(body)

	if err := <-errCh; err == nil {
		t.Fatal("expected an error for invalid metadata JSON")
	}
}

func TestNegotiateV5UserPasswordMetadataBase64(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan *Result, 1)
	go func() {
		res, _ := Negotiate(server, defaultConfig())
		done <- res
	}()

	client.Write([]byte{0x05, 0x01, methodUserPassword})
	methodReply := make([]byte, 2)
	client.Read(methodReply)

	payload, _ := json.Marshal(map[string][]string{"tags": {"mytag"}})
	encoded := base64.RawURLEncoding.EncodeToString(payload)

	uname := []byte("metadata")
	sub := []byte{0x01, byte(len(uname))}
	sub = append(sub, uname...)
	sub = append(sub, byte(len(encoded)))
	sub = append(sub, []byte(encoded)...)
	client.Write(sub)

	subReply := make([]byte, 2)
	client.Read(subReply)
	if subReply[1] != 0x00 {
		t.Fatalf("expected subnegotiation success, got 0x%02x", subReply[1])
	}

	req := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50}
	client.Write(req)
	reply := make([]byte, 10)
	client.Read(reply)

	res := <-done
	if res == nil || len(res.Tags) != 1 || res.Tags[0] != "socket-metadata:mytag" {
		t.Fatalf("got %+v", res)
	}
}

func TestNegotiateV5NoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cfg := Config{AcceptedMethods: []AuthMethod{AuthCustomMetadata}}
	errCh := make(chan error, 1)
	go func() {
		_, err := Negotiate(server, cfg)
		errCh <- err
	}()

	client.Write([]byte{0x05, 0x01, 0x00}) // client only offers no-auth
	reply := make([]byte, 2)
	client.Read(reply)
	if reply[1] != methodNoAcceptable {
		t.Fatalf("expected 0xFF, got 0x%02x", reply[1])
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected an error")
	}
}
