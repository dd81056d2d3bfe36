package server

import (
	"context"

	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
)

// realizePassThrough runs the transform executor's pipeline and translates
// its Result into a handlerResult: a relayed response, an abort with the
// fixed rule-close text when beforeRequest asked for a close, or (when
// SimulateConnErrors is set and the upstream failed) an abort carrying the
// simulated reset tag (§4.5 "Failure modes", §7).
func (s *Server) realizePassThrough(ctx context.Context, req *request.Request, hv rules.PassThroughHandler) (handlerResult, error) {
	if s.cfg.Executor == nil {
		return handlerResult{}, errNoExecutor
	}

	result, err := s.cfg.Executor.Execute(ctx, req, hv.Config)
	if err != nil {
		return handlerResult{}, err
	}
	if result.Reset {
		if result.ResetTag == "" {
			return handlerResult{Close: true, Reason: "Connection closed intentionally by rule"}, nil
		}
		return handlerResult{Close: true, Reason: "abort: " + result.ResetTag, Code: result.ResetTag}, nil
	}
	return handlerResult{Response: result.Response}, nil
}

var errNoExecutor = noExecutorError{}

type noExecutorError struct{}

func (noExecutorError) Error() string { return "server has no pass-through executor configured" }
