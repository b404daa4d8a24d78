package ambient_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ambient"
)

func TestCacheEvictsOldest(t *testing.T) {
	cache := ambient.NewCache(0)
	for i := 0; i < ambient.DefaultCapacity; i++ {
		cache.Append("G", ambient.Record{SpeakerID: fmt.Sprint(i), SpeakerName: "n", Text: "t"})
	}
	require.Equal(t, 20, cache.Len("G"))

	cache.Append("G", ambient.Record{SpeakerID: "new", SpeakerName: "n", Text: "t"})

	records := cache.Get("G")
	require.Len(t, records, 20)
	assert.Equal(t, "1", records[0].SpeakerID, "the original 2nd-oldest is now oldest")
	assert.Equal(t, "new", records[19].SpeakerID)
}

func TestCacheRender(t *testing.T) {
	cache := ambient.NewCache(5)
	cache.Append("G", ambient.Record{SpeakerID: "1", SpeakerName: "小明", Text: "早"})
	cache.Append("G", ambient.Record{SpeakerID: "2", SpeakerName: "小红", Text: "早上好"})

	assert.Equal(t, "小明 (1) says:\n早\n\n小红 (2) says:\n早上好\n\n", cache.Render("G"))
	assert.Empty(t, cache.Render("other"))
	assert.Nil(t, cache.Get("other"))
}

type fakeGateway struct {
	result   ai.Result
	requests []ai.Request
}

func (f *fakeGateway) Complete(_ context.Context, req ai.Request) ai.Result {
	f.requests = append(f.requests, req)
	return f.result
}

type fakeSettings struct {
	persona string
	ambient string
}

func (s fakeSettings) Persona() string { return s.persona }

func (s fakeSettings) AmbientPersona() (string, bool) { return s.ambient, s.ambient != "" }

func (s fakeSettings) AmbientModel() string { return "glm-4-flash" }

func TestEngineEmptyCacheProducesNothing(t *testing.T) {
	gateway := &fakeGateway{}
	engine := ambient.NewEngine(ambient.NewCache(0), gateway, fakeSettings{persona: "P"})

	reply, ok, err := engine.MaybeReply(context.Background(), "G", "42", "bot")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, reply)
	assert.Empty(t, gateway.requests)
}

func TestEngineReplyIsCachedAndStripped(t *testing.T) {
	cache := ambient.NewCache(0)
	cache.Append("G", ambient.Record{SpeakerID: "1", SpeakerName: "小明", Text: "今天吃什么"})
	gateway := &fakeGateway{result: ai.Result{Text: "真寻: 火锅吧 \n", Accepted: true}}
	engine := ambient.NewEngine(cache, gateway, fakeSettings{persona: "P"})

	reply, ok, err := engine.MaybeReply(context.Background(), "G", "42", "真寻")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "火锅吧", reply)

	records := cache.Get("G")
	require.Len(t, records, 2)
	assert.Equal(t, ambient.Record{SpeakerID: "42", SpeakerName: "真寻", Text: "火锅吧"}, records[1])

	require.Len(t, gateway.requests, 1)
	req := gateway.requests[0]
	assert.True(t, req.Ambient)
	assert.NotEmpty(t, req.AccountingKey)
	assert.Equal(t, "glm-4-flash", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, chat.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "P")
	assert.Equal(t, chat.RoleUser, req.Messages[1].Role)
	assert.Contains(t, req.Messages[1].Content, "`42`")
	assert.Contains(t, req.Messages[1].Content, "`真寻`")
	assert.Contains(t, req.Messages[1].Content, "小明 (1) says:\n今天吃什么\n\n")
}

func TestEngineUsesAmbientPersonaOverride(t *testing.T) {
	cache := ambient.NewCache(0)
	cache.Append("G", ambient.Record{SpeakerID: "1", SpeakerName: "a", Text: "b"})
	gateway := &fakeGateway{result: ai.Result{Text: "嗯", Accepted: true}}
	engine := ambient.NewEngine(cache, gateway, fakeSettings{persona: "GENERAL", ambient: "LURKER"})

	_, _, err := engine.MaybeReply(context.Background(), "G", "42", "bot")
	require.NoError(t, err)

	system := gateway.requests[0].Messages[0].Content
	assert.Contains(t, system, "LURKER")
	assert.NotContains(t, system, "GENERAL")
}

func TestEngineSuppressesEmptyMarker(t *testing.T) {
	cache := ambient.NewCache(0)
	cache.Append("G", ambient.Record{SpeakerID: "1", SpeakerName: "a", Text: "b"})
	engine := ambient.NewEngine(cache, &fakeGateway{result: ai.Result{Text: "<EMPTY>", Accepted: true}}, fakeSettings{persona: "P"})

	_, ok, err := engine.MaybeReply(context.Background(), "G", "42", "bot")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len("G"))
}

func TestEngineRejectedReplyIsDropped(t *testing.T) {
	cache := ambient.NewCache(0)
	cache.Append("G", ambient.Record{SpeakerID: "1", SpeakerName: "a", Text: "b"})
	gateway := &fakeGateway{result: ai.Result{Text: ai.MsgInputViolation, Kind: ai.KindInput}}
	engine := ambient.NewEngine(cache, gateway, fakeSettings{persona: "P"})

	_, ok, err := engine.MaybeReply(context.Background(), "G", "42", "bot")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Len("G"))
}
