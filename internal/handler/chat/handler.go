package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	"github.com/zhouzirui/the-mirror/backend/internal/render"
	chatService "github.com/zhouzirui/the-mirror/backend/internal/service/chat"
	"github.com/zhouzirui/the-mirror/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.With(zap.String("handler", "chat")),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Post("/onboarding", h.handleOnboarding)
		r.Get("/messages", h.handleListMessages)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/messages/{messageID}/analysis", h.handleAnalyze)
	})
}

// handleCreateSession 创建匿名会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleGetSession 查询会话状态
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, session)
}

// handleOnboarding 提交引导问卷并开始对话
func (h *Handler) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var answers onboarding.Answers
	if err := json.NewDecoder(r.Body).Decode(&answers); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.chatSvc.CompleteOnboarding(r.Context(), chi.URLParam(r, "sessionID"), answers); err != nil {
		h.respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleListMessages 返回会话记录，format=html 时附带渲染后的 markdown
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chatSvc.LoadTranscript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}

	if r.URL.Query().Get("format") != "html" {
		utils.RespondJSON(w, http.StatusOK, msgs)
		return
	}

	rendered, err := render.Transcript(msgs)
	if err != nil {
		h.logger.Error("render transcript", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "render failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, rendered)
}

// handleSendMessage 发送用户消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.chatSvc.SendMessage(r.Context(), chi.URLParam(r, "sessionID"), payload.Text); err != nil {
		h.respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleAnalyze 对一条用户消息做认知扭曲分析
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, err := h.chatSvc.AnalyzeMessage(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "messageID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	utils.RespondError(w, status, err.Error())
}

// StatusFor 将服务层错误映射为HTTP状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound),
		errors.Is(err, chatService.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrTurnInFlight):
		return http.StatusConflict
	case errors.Is(err, chatService.ErrEmptyMessage),
		errors.Is(err, chatService.ErrNotUserMessage),
		errors.Is(err, onboarding.ErrIncompleteAnswers):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrAIUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
