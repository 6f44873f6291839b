package onboarding

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	"github.com/zhouzirui/the-mirror/backend/pkg/utils"
)

// Handler 引导问卷的HTTP处理器
type Handler struct {
	questions []onboarding.Question
}

// New 创建引导问卷处理器
func New() *Handler {
	return &Handler{
		questions: onboarding.Questions(),
	}
}

// RegisterRoutes 注册引导问卷相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/onboarding/questions", h.handleListQuestions)
}

// handleListQuestions 按顺序列出问卷问题
func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.questions)
}
