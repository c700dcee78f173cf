package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/session"
)

func (s *Server) createSession(c *gin.Context) {
	var req config.SessionConfig
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, core.ErrConfiguration.WithMessagef("invalid session configuration: %v", err))
			return
		}
	}

	cfg, err := withProject(&req)
	if err != nil {
		s.fail(c, err)
		return
	}
	id, err := s.reg.Create(c.Request.Context(), cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateSessionResponse{SessionID: id})
}

// withProject merges a request over the configuration and definitions of
// the project it names
func withProject(req *config.SessionConfig) (*config.SessionConfig, error) {
	if req.ProjectPath == "" {
		return req, nil
	}
	project, err := config.LoadFromDir(req.ProjectPath)
	if err != nil {
		return nil, core.ErrConfiguration.
			WithCause(err).
			WithMessagef("cannot load project %s", req.ProjectPath)
	}
	return config.Merge(project, req), nil
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, SessionsResponse{Sessions: s.reg.List()})
}

func (s *Server) session(c *gin.Context) (*session.Session, bool) {
	sess, err := s.reg.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	if sess, ok := s.session(c); ok {
		c.JSON(http.StatusOK, sess.Info())
	}
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.reg.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) submitAction(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, core.ErrInvalidArgument.WithMessagef("invalid action request: %v", err))
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		s.fail(c, core.ErrInvalidArgument.WithMessage("keyword is required"))
		return
	}
	timeout, err := s.timeout(req.TimeoutMS)
	if err != nil {
		s.fail(c, err)
		return
	}

	runner := s.runner(sess)
	res, err := sess.Submit(c.Request.Context(), timeout, func(ctx context.Context) *core.ExecutionResult {
		return runner.Execute(ctx, req.Keyword, req.Params)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) timeout(ms int64) (time.Duration, error) {
	switch {
	case ms < 0:
		return 0, core.ErrInvalidArgument.WithMessage("timeout_ms must not be negative")
	case ms == 0:
		return s.cfg.DefaultTimeout, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func (s *Server) listExecutions(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	log, err := sess.Executions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionsResponse{Executions: log})
}

func (s *Server) getScreenshot(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	img, err := sess.Screenshot(c.Request.Context(), s.cfg.DefaultTimeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(img), img)
}

func (s *Server) getElements(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	els, err := sess.Elements(c.Request.Context(), s.cfg.DefaultTimeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ElementsResponse{Elements: els})
}

func (s *Server) getSource(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	src, err := sess.Source(c.Request.Context(), s.cfg.DefaultTimeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(src))
}
