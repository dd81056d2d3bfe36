package socks

import (
	"encoding/base64"
	"encoding/json"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// metadataPayload is the shape the spec requires for both the SOCKSv5
// auth payloads and HTTP proxy "metadata" Basic-auth passwords (§4.11).
type metadataPayload struct {
	Tags []string `json:"tags"`
}

// parseMetadataTags decodes payload as JSON, falling back to base64url-of-JSON,
// and returns the tags prefixed "socket-metadata:" per §4.11. An error is
// returned if neither decoding succeeds.
func parseMetadataTags(payload []byte) ([]string, error) {
	var m metadataPayload
	if err := json.Unmarshal(payload, &m); err != nil {
		decoded, decErr := base64.RawURLEncoding.DecodeString(string(payload))
		if decErr != nil {
			return nil, errors.NewSocksError("auth", "metadata payload is neither JSON nor base64url JSON", err)
		}
		if err := json.Unmarshal(decoded, &m); err != nil {
			return nil, errors.NewSocksError("auth", "decoded metadata payload is not valid JSON", err)
		}
	}
	tags := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		tags = append(tags, "socket-metadata:"+t)
	}
	return tags, nil
}

// errorJSON renders a SOCKSv5 custom-metadata rejection body (§4.11).
func errorJSON(message string) []byte {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return []byte(`{"error":"invalid metadata payload"}`)
	}
	return body
}
