package display

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-terminal/internal/common"
)

const (
	maxFrameBytes = 64 * 1024
	pongWait      = 60 * time.Second
)

// Connection is one customer display attached over a WebSocket.
type Connection struct {
	id           string
	ws           *websocket.Conn
	hub          *Hub
	logger       zerolog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
}

func newConnection(id string, ws *websocket.Conn, hub *Hub, writeTimeout, pingInterval time.Duration, logger zerolog.Logger) *Connection {
	return &Connection{
		id:           id,
		ws:           ws,
		hub:          hub,
		logger:       logger.With().Str("display_id", id).Logger(),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

// Run pumps frames in both directions until the socket closes or ctx ends.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, unsubscribe := c.hub.Subscribe(c.id)
	go c.writePump(ctx, frames)
	c.readPump(ctx)
	unsubscribe()
	_ = c.ws.Close()
	c.logger.Info().Msg("display disconnected")
}

func (c *Connection) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("display read failed")
			}
			return
		}

		var report StepReport
		if err := json.Unmarshal(message, &report); err != nil {
			c.logger.Warn().Err(err).Msg("discarding undecodable display frame")
			continue
		}
		if err := c.hub.Deliver(report); err != nil {
			c.logger.Warn().Err(err).Msg("discarding step report")
		}
	}
}

func (c *Connection) writePump(ctx context.Context, frames <-chan []byte) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-frames:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Warn().Err(err).Msg("display write failed")
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// Server upgrades HTTP requests into display connections.
type Server struct {
	Hub          *Hub
	Logger       zerolog.Logger
	WriteTimeout time.Duration
	PingInterval time.Duration
	// Context bounds every connection; nil means connections live until the socket closes.
	Context  context.Context
	upgrader websocket.Upgrader
}

// NewServer builds a server with a permissive origin check; displays run on the terminal's LAN.
func NewServer(hub *Hub, writeTimeout, pingInterval time.Duration, logger zerolog.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Server{
		Hub:          hub,
		Logger:       logger.With().Str("component", "display_ws").Logger(),
		WriteTimeout: writeTimeout,
		PingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleLast mirrors what the customer display currently shows so the
// operator screen can render it. 204 until the first notification.
func (s *Server) HandleLast(w http.ResponseWriter, _ *http.Request) {
	n, ok := s.Hub.Last()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	common.JSON(w, http.StatusOK, n)
}

// HandleWS is the HTTP handler for the display socket.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("display_id"))
	if id == "" {
		id = uuid.NewString()
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx := s.Context
	if ctx == nil {
		ctx = context.Background()
	}
	connection := newConnection(id, conn, s.Hub, s.WriteTimeout, s.PingInterval, s.Logger)
	s.Logger.Info().Str("display_id", id).Msg("display connected")
	go connection.Run(ctx)
}
