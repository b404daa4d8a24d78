package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/handler/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/handler/settings"
	"github.com/zhouzirui/zhipu-toolkit/pkg/utils"
)

// NewRouter wires the admin HTTP surface to the core services. A non-empty
// token guards every /api route with bearer auth; /healthz stays open.
func NewRouter(chatSvc chat.Service, runtime settings.Runtime, cache settings.CacheStats, token string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		if token != "" {
			api.Use(bearerAuth(token))
		}
		chat.New(chatSvc).RegisterRoutes(api)
		settings.New(runtime, cache).RegisterRoutes(api)
	})

	return r
}

// bearerAuth 校验 Authorization: Bearer <token>
func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger 用 zerolog 记录访问日志
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().Str("component", "http").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}
