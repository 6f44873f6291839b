package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/pkg/utils"
)

// handleSSE streams the transcript snapshot followed by every store mutation until the client leaves.
// A subscriber dropped for lagging gets a fresh snapshot and carries on.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	conv, err := h.chatSvc.Conversation(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	snapshot, events, unsubscribe := conv.Store().Watch(eventBuffer)
	defer func() { unsubscribe() }()

	logger := h.logger.With(zap.String("session", sessionID))
	logger.Debug("sse stream opened")

	if err := utils.SendSSEChunk(w, flusher, snapshotFrame(sessionID, snapshot, conv.Busy())); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("sse stream closed")
			return
		case evt, ok := <-events:
			if !ok {
				if conv.Store().Closed() {
					logger.Debug("sse stream ended by store close")
					return
				}
				logger.Info("sse subscriber lagged, resyncing")
				snapshot, events, unsubscribe = conv.Store().Watch(eventBuffer)
				if err := utils.SendSSEChunk(w, flusher, snapshotFrame(sessionID, snapshot, conv.Busy())); err != nil {
					return
				}
				continue
			}
			if err := utils.SendSSEChunk(w, flusher, eventFrame(sessionID, evt, conv.Busy())); err != nil {
				logger.Debug("sse write failed", zap.Error(err))
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]any{
				"time": t.UTC().Format(time.RFC3339),
				"busy": conv.Busy(),
			}); err != nil {
				return
			}
		}
	}
}
