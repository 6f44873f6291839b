package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	chatService "github.com/zhouzirui/the-mirror/backend/internal/service/chat"
)

const (
	readWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	pingInterval = 54 * time.Second
)

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage 用户输入
type TextMessage struct {
	Text string `json:"text"`
}

// AnalyzeMessage 请求分析指定的用户消息
type AnalyzeMessage struct {
	MessageID string `json:"messageId"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWebSocket 处理WebSocket连接：推送会话记录变化并接收用户操作
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	conv, err := h.chatSvc.Conversation(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session", sessionID))
	logger.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Closing the connection is the only way to unblock ReadJSON.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c := &wsConn{conn: conn}
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	h.sendInfo(c, sessionID, map[string]any{
		"type":    "connected",
		"started": conv.Started(),
		"busy":    conv.Busy(),
	})

	go h.pingLoop(ctx, c)
	go h.forward(ctx, cancel, c, sessionID, conv)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readWait))

		if msg.SessionID != "" && msg.SessionID != sessionID {
			h.sendError(c, sessionID, "session mismatch")
			continue
		}

		h.handleMessage(ctx, c, sessionID, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *wsConn, sessionID string, msg *inboundMessage) {
	switch msg.Type {
	case "text":
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			h.sendError(c, sessionID, "invalid text payload")
			return
		}
		if err := h.chatSvc.SendMessage(ctx, sessionID, text.Text); err != nil {
			h.sendError(c, sessionID, err.Error())
			return
		}
		h.sendInfo(c, sessionID, map[string]any{"type": "queued"})
	case "onboarding":
		var answers onboarding.Answers
		if err := json.Unmarshal(msg.Data, &answers); err != nil {
			h.sendError(c, sessionID, "invalid onboarding payload")
			return
		}
		if err := h.chatSvc.CompleteOnboarding(ctx, sessionID, answers); err != nil {
			h.sendError(c, sessionID, err.Error())
			return
		}
		h.sendInfo(c, sessionID, map[string]any{"type": "started"})
	case "analyze":
		var req AnalyzeMessage
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(c, sessionID, "invalid analyze payload")
			return
		}
		id, err := h.chatSvc.AnalyzeMessage(ctx, sessionID, req.MessageID)
		if err != nil {
			h.sendError(c, sessionID, err.Error())
			return
		}
		h.sendInfo(c, sessionID, map[string]any{"type": "analysis", "id": id})
	default:
		h.sendError(c, sessionID, "unsupported message type: "+msg.Type)
	}
}

// forward sends the transcript snapshot, then relays store events until the connection ends.
// A subscriber dropped for lagging is resynced with a fresh snapshot. On exit it cancels the
// connection context so the read loop stops too.
func (h *Handler) forward(ctx context.Context, stop context.CancelFunc, c *wsConn, sessionID string, conv *chatService.Conversation) {
	defer stop()

	snapshot, events, unsubscribe := conv.Store().Watch(eventBuffer)
	defer func() { unsubscribe() }()

	if err := h.send(c, sessionID, snapshotFrame(sessionID, snapshot, conv.Busy())); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				if conv.Store().Closed() {
					return
				}
				h.logger.Info("websocket subscriber lagged, resyncing", zap.String("session", sessionID))
				snapshot, events, unsubscribe = conv.Store().Watch(eventBuffer)
				if err := h.send(c, sessionID, snapshotFrame(sessionID, snapshot, conv.Busy())); err != nil {
					return
				}
				continue
			}
			if err := h.send(c, sessionID, eventFrame(sessionID, evt, conv.Busy())); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(c *wsConn, sessionID string, frame Frame) error {
	return c.writeJSON(outgoingMessage{
		Type:      frame.Event,
		SessionID: sessionID,
		Data:      frame,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Handler) sendInfo(c *wsConn, sessionID string, data map[string]any) {
	if err := c.writeJSON(outgoingMessage{
		Type:      "info",
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		h.logger.Debug("websocket info write failed", zap.Error(err))
	}
}

func (h *Handler) sendError(c *wsConn, sessionID, message string) {
	if err := c.writeJSON(outgoingMessage{
		Type:      "error",
		SessionID: sessionID,
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		h.logger.Debug("websocket error write failed", zap.Error(err))
	}
}

func (h *Handler) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
