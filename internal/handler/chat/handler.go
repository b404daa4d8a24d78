package chat

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	chatService "github.com/zhouzirui/zhipu-toolkit/internal/service/chat"
	"github.com/zhouzirui/zhipu-toolkit/pkg/utils"
)

// Service 是会话管理器在 HTTP 侧用到的能力。
type Service interface {
	Chat(ctx context.Context, text string, r chat.Routing) chatService.Reply
	History(key string) ([]chat.Message, bool)
	Keys() []string
	Clear(key string) int
	ClearAll() int
}

// Handler 对话与会话管理的HTTP处理器
type Handler struct {
	chatSvc Service
}

// New 创建聊天处理器
func New(chatSvc Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/sessions", h.handleListSessions)
	r.Delete("/sessions", h.handleClearAll)
	r.Get("/sessions/{key}", h.handleGetSession)
	r.Delete("/sessions/{key}", h.handleClearSession)
}

type chatRequest struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	MemberNick string `json:"memberNick"`
	GroupID    string `json:"groupId"`
	Text       string `json:"text"`
}

type chatResponse struct {
	Key      string `json:"key"`
	Text     string `json:"text"`
	Accepted bool   `json:"accepted"`
	Kind     string `json:"kind"`
}

// handleChat 以 HTTP 宿主身份发起一轮对话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	payload.UserID = strings.TrimSpace(payload.UserID)
	if payload.UserID == "" {
		utils.RespondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	reply := h.chatSvc.Chat(r.Context(), payload.Text, chat.Routing{
		UserID:     payload.UserID,
		ScopeID:    payload.GroupID,
		IsGroup:    payload.GroupID != "",
		MemberNick: payload.MemberNick,
		UserName:   payload.UserName,
	})

	utils.RespondJSON(w, http.StatusOK, chatResponse{
		Key:      reply.Key,
		Text:     reply.Text,
		Accepted: reply.Accepted,
		Kind:     reply.Kind.String(),
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string][]string{"keys": h.chatSvc.Keys()})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	history, ok := h.chatSvc.History(key)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"key": key, "messages": history})
}

func (h *Handler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	removed := h.chatSvc.Clear(chi.URLParam(r, "key"))
	utils.RespondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]int{"removed": h.chatSvc.ClearAll()})
}
