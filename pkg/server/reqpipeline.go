package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
)

// handlerResult is what realizeHandler produces for one of the Handler
// variants (§4.4).
type handlerResult struct {
	Response *request.Response

	// Close signals an intentional reset; Reason is the abort message
	// (the fixed rule-close text, or a simulated connection-error tag).
	Close  bool
	Reason string
	Code   string

	// Stream handler case: headers are known immediately, body chunks
	// arrive from Source as they're produced (§4.4 "Stream handler").
	StreamSource  rules.StreamSource
	StreamHeaders request.RawHeaders
	StreamStatus  int
}

// outcome is the terminal disposition of one request (§5 "exactly one of
// response or abort").
type outcome struct {
	Response *request.Response
	Abort    bool
	Reason   string
	Code     string

	StreamSource  rules.StreamSource
	StreamHeaders request.RawHeaders
	StreamStatus  int
}

// processRequest runs the selection loop against req, realizes the matched
// handler, and publishes the lifecycle events (§4.3, §4.7). It blocks until
// a decision is reached: header-only rules short-circuit immediately, a
// rule with an uncertain body matcher waits on req.Body for more bytes to
// arrive (or completion) before re-evaluating (§4.3).
func (s *Server) processRequest(ctx context.Context, req *request.Request) outcome {
	s.cfg.Bus.Publish(events.Event{
		Type:      events.TypeRequestInitiated,
		RequestID: req.ID,
		Method:    req.Method,
		URL:       req.URL,
		Protocol:  string(req.Protocol),
	})

	rule, decision := s.selectRule(req)

	s.cfg.Bus.Publish(events.Event{
		Type:      events.TypeRequest,
		RequestID: req.ID,
		Method:    req.Method,
		URL:       req.URL,
		Protocol:  string(req.Protocol),
		Truncated: req.Body.IsTruncated(),
		Tags:      req.Tags,
	})

	var hr handlerResult
	if decision == rules.DecisionNoMatch {
		hr.Response = responseFromSpec(rules.NoMatchResponse())
	} else {
		var err error
		hr, err = s.realizeHandler(ctx, req, rule.Handler)
		if err != nil {
			hr = handlerResult{Response: internalErrorResponse(err)}
		}
	}

	if hr.Close {
		s.cfg.Bus.Publish(events.Event{
			Type:      events.TypeAbort,
			RequestID: req.ID,
			Reason:    hr.Reason,
			Code:      hr.Code,
		})
		return outcome{Abort: true, Reason: hr.Reason, Code: hr.Code}
	}

	if hr.StreamSource != nil {
		s.cfg.Bus.Publish(events.Event{
			Type:      events.TypeResponse,
			RequestID: req.ID,
			Status:    hr.StreamStatus,
			Protocol:  string(req.Protocol),
		})
		return outcome{StreamSource: hr.StreamSource, StreamHeaders: hr.StreamHeaders, StreamStatus: hr.StreamStatus}
	}

	s.cfg.Bus.Publish(events.Event{
		Type:      events.TypeResponse,
		RequestID: req.ID,
		Status:    hr.Response.StatusCode,
		Protocol:  string(req.Protocol),
	})

	return outcome{Response: hr.Response}
}

// selectRule runs the engine's short-circuit loop, blocking on body
// arrival when the decision is still pending (§4.3, §9 "suspension points").
func (s *Server) selectRule(req *request.Request) (*rules.Rule, rules.Decision) {
	for {
		rule, decision := s.engine.Select(req)
		if decision != rules.DecisionWait {
			return rule, decision
		}
		req.Body.WaitForUpdate()
	}
}

func internalErrorResponse(err error) *request.Response {
	body := []byte("Internal handler error: " + err.Error())
	headers := request.RawHeaders{}.Set("Content-Type", "text/plain")
	return &request.Response{
		StatusCode: 500,
		Raw:        headers,
		Header:     headers.Parsed(),
		Body:       request.NewCompletedBody(body, ""),
	}
}

func (s *Server) logger() *zap.Logger { return s.cfg.Logger }
