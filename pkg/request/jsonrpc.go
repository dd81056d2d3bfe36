package request

import "encoding/json"

// JSONRPCRequest is the envelope a client sends for a JSON-RPC 2.0 call
// (§4.3, §6). ID is raw so both numeric and string ids round-trip as given.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is the "error" member of a JSON-RPC 2.0 response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response envelope. Exactly one of Result
// or Error is set (§4.4 "reply-with-JSON-RPC").
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// ParseJSONRPCRequest decodes and validates a JSON-RPC 2.0 request body,
// rejecting anything that doesn't carry jsonrpc="2.0" and a method name.
func ParseJSONRPCRequest(body []byte) (*JSONRPCRequest, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.JSONRPC != "2.0" {
		return nil, errJSONRPCVersion
	}
	if req.Method == "" {
		return nil, errJSONRPCMethod
	}
	return &req, nil
}

// NewJSONRPCResult builds a success envelope carrying result for id.
func NewJSONRPCResult(id json.RawMessage, result interface{}) (*JSONRPCResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewJSONRPCError builds an error envelope carrying code/message for id.
func NewJSONRPCError(id json.RawMessage, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

var (
	errJSONRPCVersion = jsonrpcErr("jsonrpc: missing or invalid \"jsonrpc\":\"2.0\" member")
	errJSONRPCMethod  = jsonrpcErr("jsonrpc: missing \"method\" member")
)

type jsonrpcErr string

func (e jsonrpcErr) Error() string { return string(e) }
