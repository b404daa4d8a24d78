package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/zhipu-toolkit/internal/config"
	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ambient"
	chatservice "github.com/zhouzirui/zhipu-toolkit/internal/service/chat"
)

type idleChat struct{}

func (idleChat) Chat(context.Context, string, chat.Routing) chatservice.Reply {
	return chatservice.Reply{}
}
func (idleChat) History(string) ([]chat.Message, bool) { return nil, false }
func (idleChat) Keys() []string                        { return []string{} }
func (idleChat) Clear(string) int                      { return 0 }
func (idleChat) ClearAll() int                         { return 0 }

func newTestRouter() (http.Handler, *config.Runtime) {
	rt := config.NewRuntime(&config.Config{
		Chat:    config.ChatConfig{RoutingMode: "user"},
		Ambient: config.AmbientConfig{Enabled: true, TriggerProbability: 20},
	}, nil)
	cache := ambient.NewCache(0)
	cache.Append("500", ambient.Record{SpeakerID: "1", SpeakerName: "a", Text: "hi"})
	return NewRouter(idleChat{}, rt, cache, ""), rt
}

func serve(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter()
	resp := serve(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

func TestAmbientToggleRoutes(t *testing.T) {
	h, rt := newTestRouter()

	resp := serve(h, http.MethodPost, "/api/ambient/500/disable", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"scope":"500","enabled":false,"changed":true}`, resp.Body.String())
	assert.True(t, rt.IsAmbientBanned("500"))

	resp = serve(h, http.MethodPost, "/api/ambient/500/disable", nil)
	assert.JSONEq(t, `{"scope":"500","enabled":false,"changed":false}`, resp.Body.String())

	resp = serve(h, http.MethodGet, "/api/ambient", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var status struct {
		Enabled      bool           `json:"enabled"`
		BannedGroups []string       `json:"bannedGroups"`
		CachedScopes map[string]int `json:"cachedScopes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Enabled)
	assert.Equal(t, []string{"500"}, status.BannedGroups)
	assert.Equal(t, map[string]int{"500": 1}, status.CachedScopes)

	resp = serve(h, http.MethodPost, "/api/ambient/500/enable", nil)
	assert.JSONEq(t, `{"scope":"500","enabled":true,"changed":true}`, resp.Body.String())
	assert.False(t, rt.IsAmbientBanned("500"))
}

func TestRoutingModeRoutes(t *testing.T) {
	h, rt := newTestRouter()

	resp := serve(h, http.MethodPut, "/api/routing-mode", []byte(`{"mode":"group"}`))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, chat.RoutingGroup, rt.RoutingMode())

	resp = serve(h, http.MethodPut, "/api/routing-mode", []byte(`{"mode":"everyone"}`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = serve(h, http.MethodGet, "/api/routing-mode", nil)
	assert.JSONEq(t, `{"mode":"group"}`, resp.Body.String())
}

func TestSessionRoutesMounted(t *testing.T) {
	h, _ := newTestRouter()
	resp := serve(h, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"keys":[]}`, resp.Body.String())
}

func TestAPIRequiresBearerToken(t *testing.T) {
	rt := config.NewRuntime(&config.Config{Chat: config.ChatConfig{RoutingMode: "user"}}, nil)
	h := NewRouter(idleChat{}, rt, ambient.NewCache(0), "s3cret")

	resp := serve(h, http.MethodDelete, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = serve(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}
