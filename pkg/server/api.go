package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/executor"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
	"github.com/devicelab-dev/optics-runner/pkg/session"
)

type (
	// ErrorResponse is the body of every non-2xx response
	ErrorResponse struct {
		Error  *core.ErrorInfo `json:"error"`
		Status int             `json:"status"`
	}

	HealthResponse struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}

	KeywordsResponse struct {
		Keywords []executor.KeywordInfo `json:"keywords"`
	}

	CreateSessionResponse struct {
		SessionID string `json:"session_id"`
	}

	SessionsResponse struct {
		Sessions []session.Info `json:"sessions"`
	}

	// ActionRequest submits one keyword
	ActionRequest struct {
		Keyword   string   `json:"keyword"`
		Params    []string `json:"params"`
		TimeoutMS int64    `json:"timeout_ms,omitempty"`
	}

	ExecutionsResponse struct {
		Executions []*core.ExecutionResult `json:"executions"`
	}

	ElementsResponse struct {
		Elements []core.InteractiveElement `json:"elements"`
	}

	// SubscribeRequest is sent by WebSocket clients to restart their
	// stream after a sequence number
	SubscribeRequest struct {
		Type     string `json:"type"`
		AfterSeq uint64 `json:"after_seq"`
	}

	// SubscribedResult acknowledges a subscription
	SubscribedResult struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		AfterSeq  uint64 `json:"after_seq"`
		LastSeq   uint64 `json:"last_seq"`
	}

	// StreamMessage wraps an event on the WebSocket
	StreamMessage struct {
		Type  string        `json:"type"`
		Event *events.Event `json:"event,omitempty"`
	}
)

// httpStatus maps the error taxonomy onto response codes
func httpStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSessionTerminated):
		return http.StatusGone
	case errors.Is(err, core.ErrSessionBusy), errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	}
	switch core.CategoryOf(err) {
	case core.ErrCategoryConfig, core.ErrCategoryInput:
		return http.StatusBadRequest
	case core.ErrCategoryTimeout:
		return http.StatusGatewayTimeout
	case core.ErrCategoryDriver, core.ErrCategoryConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			logger.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: core.NewErrorInfo(err), Status: status})
}
