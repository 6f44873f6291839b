package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/handler/chat"
	"github.com/zhouzirui/the-mirror/backend/internal/handler/onboarding"
	"github.com/zhouzirui/the-mirror/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/the-mirror/backend/internal/middleware"
	chatService "github.com/zhouzirui/the-mirror/backend/internal/service/chat"
	"github.com/zhouzirui/the-mirror/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. A nil gatherer leaves /metrics unmounted.
func NewRouter(chatSvc *chatService.Service, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	onboardingHandler := onboarding.New()
	chatHandler := chat.New(chatSvc, logger)
	streamHandler := stream.New(chatSvc, logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"aiEnabled": chatSvc.AIEnabled(),
		})
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		onboardingHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}
