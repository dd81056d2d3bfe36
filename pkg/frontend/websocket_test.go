package frontend

import (
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

func TestIsWebSocketUpgrade(t *testing.T) {
	head := &RequestHead{Headers: request.RawHeaders{}.Set("Upgrade", "websocket").Set("Connection", "Upgrade")}
	if !IsWebSocketUpgrade(head) {
		t.Fatal("expected upgrade to be detected")
	}
}

func TestIsWebSocketUpgradeMultiValueConnection(t *testing.T) {
	head := &RequestHead{Headers: request.RawHeaders{}.Set("Upgrade", "websocket").Set("Connection", "keep-alive, Upgrade")}
	if !IsWebSocketUpgrade(head) {
		t.Fatal("expected upgrade to be detected with a comma-separated Connection header")
	}
}

func TestIsWebSocketUpgradeFalse(t *testing.T) {
	head := &RequestHead{Headers: request.RawHeaders{}.Set("Host", "example.com")}
	if IsWebSocketUpgrade(head) {
		t.Fatal("expected no upgrade to be detected")
	}
}

func TestProtocolForUpgrade(t *testing.T) {
	if ProtocolForUpgrade(true) != request.ProtocolWSS {
		t.Fatal("expected wss for TLS-terminated upgrade")
	}
	if ProtocolForUpgrade(false) != request.ProtocolWS {
		t.Fatal("expected ws for plaintext upgrade")
	}
}
