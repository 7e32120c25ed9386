package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lectern-ai/lectern/pkg/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// Client is one socket following a single document's progress.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	documentID string
	send       chan []byte
	logger     zerolog.Logger
}

// controlMessage is the tiny client-to-server protocol: ping begets pong.
type controlMessage struct {
	Type string `json:"type"`
}

// ReadPump consumes client messages until the socket drops. The only
// recognized message is the application-level ping.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Str("document_id", c.documentID).Msg("socket closed")
			}
			return
		}
		var msg controlMessage
		if json.Unmarshal(raw, &msg) == nil && msg.Type == "ping" {
			select {
			case c.send <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

// WritePump drains the send channel and keeps the connection alive with
// protocol pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StatusReader provides the initial snapshot sent on connect.
type StatusReader interface {
	DocumentByID(ctx context.Context, id string) (*domain.Document, error)
}

// Server upgrades HTTP requests into progress subscriptions.
type Server struct {
	hub      *Hub
	store    StatusReader
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewServer(hub *Hub, store StatusReader, logger zerolog.Logger) *Server {
	return &Server{
		hub:    hub,
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the app origin; token auth
			// happens at upgrade, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws/document/:id/status. The current document status is
// pushed immediately so late subscribers see where processing stands.
func (s *Server) Serve(c *gin.Context) {
	documentID := c.Param("id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        s.hub,
		conn:       conn,
		documentID: documentID,
		send:       make(chan []byte, sendBuffer),
		logger:     s.logger,
	}
	s.hub.register <- client

	if doc, err := s.store.DocumentByID(c.Request.Context(), documentID); err == nil {
		snapshot, err := json.Marshal(domain.ProgressEvent{
			Status:          doc.Status,
			Progress:        doc.Progress(),
			ProcessedChunks: doc.ProcessedChunks,
			TotalChunks:     doc.TotalChunks,
			Message:         "Current document status",
		})
		if err == nil {
			client.send <- snapshot
		}
	}

	go client.WritePump()
	go client.ReadPump()
}
