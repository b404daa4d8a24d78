// Package settings 暴露运行期开关：路由模式与伪人模式。
package settings

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/pkg/utils"
)

// Runtime 是可在运行期读写的配置。
type Runtime interface {
	RoutingMode() chat.RoutingMode
	SetRoutingMode(mode chat.RoutingMode) error
	AmbientEnabled() bool
	TriggerProbability() int
	AmbientBans() []string
	DisableAmbient(scope string) (bool, error)
	EnableAmbient(scope string) (bool, error)
}

// CacheStats 返回各群伪人缓存的条数。
type CacheStats interface {
	Scopes() map[string]int
}

type Handler struct {
	runtime Runtime
	cache   CacheStats
}

// New 创建处理器，cache 可为 nil。
func New(runtime Runtime, cache CacheStats) *Handler {
	return &Handler{runtime: runtime, cache: cache}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ambient", h.handleAmbientStatus)
	r.Post("/ambient/{scope}/enable", h.handleToggle(true))
	r.Post("/ambient/{scope}/disable", h.handleToggle(false))
	r.Get("/routing-mode", h.handleGetRoutingMode)
	r.Put("/routing-mode", h.handleSetRoutingMode)
}

type ambientStatus struct {
	Enabled            bool           `json:"enabled"`
	TriggerProbability int            `json:"triggerProbability"`
	BannedGroups       []string       `json:"bannedGroups"`
	CachedScopes       map[string]int `json:"cachedScopes"`
}

func (h *Handler) handleAmbientStatus(w http.ResponseWriter, r *http.Request) {
	status := ambientStatus{
		Enabled:            h.runtime.AmbientEnabled(),
		TriggerProbability: h.runtime.TriggerProbability(),
		BannedGroups:       h.runtime.AmbientBans(),
		CachedScopes:       map[string]int{},
	}
	if h.cache != nil {
		status.CachedScopes = h.cache.Scopes()
	}
	utils.RespondJSON(w, http.StatusOK, status)
}

func (h *Handler) handleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := chi.URLParam(r, "scope")
		toggle := h.runtime.DisableAmbient
		if enable {
			toggle = h.runtime.EnableAmbient
		}

		changed, err := toggle(scope)
		if err != nil {
			// 内存中的名单已生效，只是写回配置文件失败
			log.Error().Err(err).Str("component", "settings").Str("scope", scope).Msg("persist ambient ban list failed")
			utils.RespondError(w, http.StatusInternalServerError, "failed to persist ban list")
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{"scope": scope, "enabled": enable, "changed": changed})
	}
}

func (h *Handler) handleGetRoutingMode(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"mode": string(h.runtime.RoutingMode())})
}

func (h *Handler) handleSetRoutingMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	mode := chat.RoutingMode(payload.Mode)
	if !mode.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "mode must be user, group or all")
		return
	}
	if err := h.runtime.SetRoutingMode(mode); err != nil {
		log.Error().Err(err).Str("component", "settings").Msg("persist routing mode failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to persist routing mode")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}
