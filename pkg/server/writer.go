package server

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
)

// writeOutcome serializes out onto conn as an HTTP/1 response and reports
// whether the connection may be reused for a further request.
func (s *Server) writeOutcome(w io.Writer, version string, reqID string, out outcome) bool {
	if version == "" {
		version = "HTTP/1.1"
	}
	if out.StreamSource != nil {
		return s.writeStream(w, version, reqID, out.StreamStatus, out.StreamHeaders, out.StreamSource)
	}
	return s.writeResponse(w, version, out.Response)
}

func (s *Server) writeResponse(w io.Writer, version string, resp *request.Response) bool {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %d %s\r\n", version, resp.StatusCode, statusLineMsg(resp))
	bw.Write(resp.Raw.WireBytes())

	chunked := false
	if v, ok := resp.Raw.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(v), "chunked") {
		chunked = true
	}

	body, err := resp.Body.Bytes()
	if err != nil {
		bw.Flush()
		return false
	}
	if chunked {
		writeChunk(bw, body)
		writeChunk(bw, nil)
	} else {
		bw.Write(body)
	}
	if err := bw.Flush(); err != nil {
		return false
	}

	if v, ok := resp.Raw.Get("Connection"); ok && strings.EqualFold(strings.TrimSpace(v), "close") {
		return false
	}
	return true
}

func (s *Server) writeStream(w io.Writer, version string, reqID string, status int, headers request.RawHeaders, src rules.StreamSource) bool {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %d %s\r\n", version, status, statusText(status))
	bw.Write(headers.WireBytes())
	if err := bw.Flush(); err != nil {
		return false
	}

	chunked := false
	if v, ok := headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(v), "chunked") {
		chunked = true
	}

	for {
		chunk, err := src.Next()
		if len(chunk) > 0 {
			if chunked {
				writeChunk(bw, chunk)
			} else {
				bw.Write(chunk)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.cfg.Logger.Warn("stream handler source error", zap.Error(err))
			s.cfg.Bus.Publish(events.Event{
				Type:      events.TypeAbort,
				RequestID: reqID,
				Reason:    "stream handler source error",
				Code:      "STREAM_RULE_ERROR",
			})
			return false
		}
		if ferr := bw.Flush(); ferr != nil {
			return false
		}
	}
	if chunked {
		writeChunk(bw, nil)
	}
	bw.Flush()
	return false // stream responses always close: length isn't known up front unless chunked, and either way keep-alive adds little value here
}

func writeChunk(w *bufio.Writer, data []byte) {
	fmt.Fprintf(w, "%x\r\n", len(data))
	w.Write(data)
	w.Write([]byte("\r\n"))
}

func statusLineMsg(resp *request.Response) string {
	if resp.StatusMsg != "" {
		return resp.StatusMsg
	}
	return statusText(resp.StatusCode)
}

// writeRawStatus writes a status line with only "Content-Length: 0" (plus
// "Connection: close" when connClose is set) and no body, used for
// client-error short responses such as the header-overflow 431
// (§7 "client-side protocol error").
func writeRawStatus(w io.Writer, version string, code int, connClose bool) error {
	headers := "Content-Length: 0\r\n"
	if connClose {
		headers += "Connection: close\r\n"
	}
	_, err := fmt.Fprintf(w, "%s %d %s\r\n%s\r\n", version, code, statusText(code), headers)
	return err
}
