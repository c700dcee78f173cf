package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
)

// Client is one WebSocket connection streaming a session's events
type Client struct {
	bus       *events.Bus
	conn      *websocket.Conn
	sessionID string
	sub       *events.Subscription
	log       *slog.Logger
	closeOnce sync.Once
}

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	sub, err := s.reg.Bus().Subscribe(sess.ID(), events.SubscribeOptions{})
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		s.log.Error("WebSocket upgrade failed", logger.Error(err))
		return
	}

	client := &Client{
		bus:       s.reg.Bus(),
		conn:      conn,
		sessionID: sess.ID(),
		sub:       sub,
		log:       s.log.With(logger.SessionID(sess.ID())),
	}
	s.registerWebSocket(client)
	go func() {
		defer s.unregisterWebSocket(client)
		client.run()
	}()
}

// Close ends the connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) run() {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	done := make(chan struct{})
	defer close(done)
	go c.readMessages(incoming, done)

	for {
		select {
		case message, ok := <-incoming:
			if !ok {
				return
			}
			if !c.handleSubscribe(message) {
				return
			}

		case ev, ok := <-c.sub.C():
			if !ok {
				c.finish()
				return
			}
			if !c.write(StreamMessage{Type: "event", Event: &ev}) {
				return
			}

		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte, done <-chan struct{}) {
	defer close(incoming)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case incoming <- message:
		case <-done:
			return
		}
	}
}

// handleSubscribe restarts the stream with every retained event after
// the requested sequence
func (c *Client) handleSubscribe(message []byte) bool {
	var req SubscribeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.log.Warn("Failed to parse WebSocket message", logger.Error(err))
		return true
	}
	if req.Type != "subscribe" {
		return true
	}

	sub, err := c.bus.Subscribe(c.sessionID, events.SubscribeOptions{
		Replay:   true,
		AfterSeq: req.AfterSeq,
	})
	if err != nil {
		c.log.Warn("Resubscription failed", logger.Error(err))
		c.finish()
		return false
	}
	c.sub.Close()
	c.sub = sub

	return c.write(SubscribedResult{
		Type:      "subscribed",
		SessionID: c.sessionID,
		AfterSeq:  req.AfterSeq,
		LastSeq:   c.bus.LastSeq(c.sessionID),
	})
}

// finish tells the client why the stream ended and closes normally
func (c *Client) finish() {
	reason := "session terminated"
	if c.sub.Lagged() {
		reason = "subscriber lagged"
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}

func (c *Client) write(msg any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Debug("WebSocket write failed", logger.Error(err))
		return false
	}
	return true
}

func (c *Client) sendPing() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.PingMessage, nil)
	return err == nil
}
