package server

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
)

// realizeHandler turns a Handler variant's declarative configuration into
// actual response bytes (or an intentional close), per §4.4.
func (s *Server) realizeHandler(ctx context.Context, req *request.Request, h rules.Handler) (handlerResult, error) {
	switch hv := h.(type) {
	case rules.ReplyWithHandler:
		return handlerResult{Response: responseFromSpec(hv.Spec)}, nil

	case rules.JSONRPCReplyHandler:
		return s.realizeJSONRPC(req, hv)

	case rules.CallbackHandler:
		return s.realizeCallback(req, hv)

	case rules.StreamHandler:
		headers := injectDefaultHeaders(hv.Headers, -1, false)
		return handlerResult{StreamSource: hv.Source, StreamHeaders: headers, StreamStatus: hv.StatusCode}, nil

	case rules.CloseConnectionHandler:
		return handlerResult{Close: true, Reason: "Connection closed intentionally by rule"}, nil

	case rules.TimeoutForeverHandler:
		<-ctx.Done()
		return handlerResult{Close: true, Reason: "Connection closed intentionally by rule"}, nil

	case rules.PassThroughHandler:
		return s.realizePassThrough(ctx, req, hv)
	}
	return handlerResult{Response: internalErrorResponse(errUnknownHandler)}, nil
}

var errUnknownHandler = unknownHandlerError{}

type unknownHandlerError struct{}

func (unknownHandlerError) Error() string { return "no realization exists for this handler kind" }

func (s *Server) realizeJSONRPC(req *request.Request, hv rules.JSONRPCReplyHandler) (handlerResult, error) {
	var id json.RawMessage
	if bodyBytes, err := req.Body.Bytes(); err == nil {
		if parsed, err := request.ParseJSONRPCRequest(bodyBytes); err == nil {
			id = parsed.ID
		}
	}

	var env *request.JSONRPCResponse
	if hv.ErrorMessage != "" {
		env = request.NewJSONRPCError(id, hv.ErrorCode, hv.ErrorMessage)
	} else {
		built, err := request.NewJSONRPCResult(id, hv.Result)
		if err != nil {
			return handlerResult{}, err
		}
		env = built
	}

	body, err := json.Marshal(env)
	if err != nil {
		return handlerResult{}, err
	}
	spec := rules.ResponseSpec{
		StatusCode: 200,
		Headers:    request.RawHeaders{}.Set("Content-Type", "application/json"),
		Body:       body,
	}
	return handlerResult{Response: responseFromSpec(spec)}, nil
}

func (s *Server) realizeCallback(req *request.Request, hv rules.CallbackHandler) (handlerResult, error) {
	result, err := hv.Fn(req)
	if err != nil {
		return handlerResult{}, err
	}
	if rules.IsClose(result) {
		return handlerResult{Close: true, Reason: "Connection closed intentionally by rule"}, nil
	}
	if result == nil {
		return handlerResult{}, errCallbackNilResponse
	}
	return handlerResult{Response: responseFromSpec(*result)}, nil
}

var errCallbackNilResponse = callbackNilResponseError{}

type callbackNilResponseError struct{}

func (callbackNilResponseError) Error() string {
	return "callback handler returned neither a response nor the close sentinel"
}

// responseFromSpec converts a declarative ResponseSpec into a wire-ready
// Response, filling defaults through injectDefaultHeaders. The defaults are
// added even when the spec supplies headers of its own: Date whenever it is
// absent, and Content-Length whenever no framing header is present and the
// body is not a pre-framed RawBody.
func responseFromSpec(spec rules.ResponseSpec) *request.Response {
	body := spec.Body
	if spec.RawBody != nil {
		body = spec.RawBody
	}
	statusMsg := spec.StatusMsg
	if statusMsg == "" {
		statusMsg = statusText(spec.StatusCode)
	}
	headers := injectDefaultHeaders(spec.Headers, len(body), spec.RawBody != nil)
	return &request.Response{
		StatusCode: spec.StatusCode,
		StatusMsg:  statusMsg,
		Raw:        headers,
		Header:     headers.Parsed(),
		Body:       request.NewCompletedBody(body, firstHeader(headers, "Content-Encoding")),
	}
}

// injectDefaultHeaders fills in Date always, and Content-Length whenever
// the body size is known (bodySize >= 0) and the headers don't already
// declare chunked framing or an explicit Content-Length (or the body is a
// pre-framed RawBody the caller takes responsibility for, in which case we
// still set Date but leave framing alone).
func injectDefaultHeaders(headers request.RawHeaders, bodySize int, rawFramed bool) request.RawHeaders {
	if _, ok := headers.Get("Date"); !ok {
		headers = headers.Set("Date", time.Now().UTC().Format(time.RFC1123))
	}
	if rawFramed {
		return headers
	}
	if _, ok := headers.Get("Transfer-Encoding"); ok {
		return headers
	}
	if bodySize < 0 {
		return headers.Set("Transfer-Encoding", "chunked")
	}
	if _, ok := headers.Get("Content-Length"); !ok {
		headers = headers.Set("Content-Length", strconv.Itoa(bodySize))
	}
	return headers
}

func firstHeader(headers request.RawHeaders, name string) string {
	v, _ := headers.Get(name)
	return v
}

func statusText(code int) string {
	if t, ok := statusTexts[code]; ok {
		return t
	}
	return ""
}

var statusTexts = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
}
