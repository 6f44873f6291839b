// Package stream pushes transcript changes to clients over Server-Sent Events and WebSocket.
package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
	chatService "github.com/zhouzirui/the-mirror/backend/internal/service/chat"
)

const (
	defaultHeartbeat = 15 * time.Second
	eventBuffer      = 256
)

// Frame is one pushed update. The first frame of every feed is a snapshot.
type Frame struct {
	Event     string         `json:"event"`
	SessionID string         `json:"sessionId"`
	Message   *chat.Message  `json:"message,omitempty"`
	Messages  []chat.Message `json:"messages,omitempty"`
	Busy      bool           `json:"busy"`
}

// Handler serves live transcript feeds.
type Handler struct {
	chatSvc   *chatService.Service
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

// New creates a stream handler.
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.With(zap.String("handler", "stream")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		heartbeat: defaultHeartbeat,
	}
}

// RegisterRoutes mounts the SSE and WebSocket feeds.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleSSE)
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

func snapshotFrame(sessionID string, msgs []chat.Message, busy bool) Frame {
	return Frame{Event: "snapshot", SessionID: sessionID, Messages: msgs, Busy: busy}
}

// eventFrame wraps a store event. Idle events always report busy=false: a new turn may already
// hold the flag by the time the frame is built.
func eventFrame(sessionID string, evt chatService.Event, busy bool) Frame {
	if evt.Kind == chatService.EventIdle {
		busy = false
	}
	return Frame{
		Event:     string(evt.Kind),
		SessionID: sessionID,
		Message:   evt.Message,
		Messages:  evt.Messages,
		Busy:      busy,
	}
}
