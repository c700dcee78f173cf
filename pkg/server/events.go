package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/events"
)

const sseKeepAlive = 15 * time.Second

// subscribeOptions reads the replay position from "after_seq", falling
// back to the SSE Last-Event-ID header of a reconnecting client
func subscribeOptions(c *gin.Context) (events.SubscribeOptions, error) {
	raw := c.Query("after_seq")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return events.SubscribeOptions{}, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return events.SubscribeOptions{}, core.ErrInvalidArgument.
			WithMessagef("after_seq must be a sequence number, got %q", raw)
	}
	return events.SubscribeOptions{Replay: true, AfterSeq: seq}, nil
}

// streamEvents serves a session's events as Server-Sent Events until the
// session terminates or the client goes away. Each event carries its
// sequence number as the SSE id
func (s *Server) streamEvents(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	opts, err := subscribeOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	sub, err := s.reg.Bus().Subscribe(sess.ID(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Lagged() {
					c.SSEvent("lagged", gin.H{"session_id": sess.ID()})
				}
				return false
			}
			writeEvent(w, ev)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func writeEvent(w io.Writer, ev events.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = io.WriteString(w, "id: "+strconv.FormatUint(ev.Seq, 10)+"\n")
	_, _ = io.WriteString(w, "event: "+string(ev.Type)+"\n")
	_, _ = io.WriteString(w, "data: "+string(b)+"\n\n")
}
