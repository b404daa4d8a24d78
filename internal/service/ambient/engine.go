package ambient

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
)

// EmptyMarker 表示模型认为此时不需要插话。
const EmptyMarker = "<EMPTY>"

const (
	ambientSystemPrompt = "你需要遵循以下要求，同时保证回应中不包含聊天记录格式。{persona}"
	ambientUserPrompt   = "你在一个群聊里，你的账号是`{bot_id}`，你的名字是`{bot_name}`。" +
		"请你结合该群的聊天记录作出回应，要求表现得随性一点，需要参与讨论，混入其中。" +
		"不要过分插科打诨，不要提起无关的话题，不知道说什么可以复读群友的话。" +
		"不允许包含聊天记录的格式，不要使用任何装饰性符号。" +
		"如果觉得此时不需要自己说话，请只回复`" + EmptyMarker + "`。下面是群组的聊天记录：\n\n" +
		"{history}" +
		"\n\n你的回复应该尽可能简练，一次只说一句话，像人类一样随意，不允许有emoji。"
)

// Gateway 是伪人模式调用大模型的入口。
type Gateway interface {
	Complete(ctx context.Context, req ai.Request) ai.Result
}

// Settings 在每次调用时读取，管理员修改后立即生效。
type Settings interface {
	Persona() string
	// AmbientPersona 返回伪人专用人设；未配置时 ok 为 false。
	AmbientPersona() (persona string, ok bool)
	AmbientModel() string
}

// Engine 根据群聊缓存生成伪人回复。
type Engine struct {
	cache    *Cache
	gateway  Gateway
	settings Settings
	template prompt.ChatTemplate
	newKey   func() string
}

// NewEngine 创建伪人引擎。
func NewEngine(cache *Cache, gateway Gateway, settings Settings) *Engine {
	return &Engine{
		cache:    cache,
		gateway:  gateway,
		settings: settings,
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage(ambientSystemPrompt),
			schema.UserMessage(ambientUserPrompt),
		),
		newKey: uuid.NewString,
	}
}

// Cache 返回底层缓存。
func (e *Engine) Cache() *Cache {
	return e.cache
}

// MaybeReply 尝试生成一条插话。ok 为 false 表示不发言：缓存为空、模型拒绝或模型选择沉默。
// 是否启用伪人模式、群是否被禁用由调用方判断。
func (e *Engine) MaybeReply(ctx context.Context, scope, botID, botName string) (string, bool, error) {
	history := e.cache.Render(scope)
	if history == "" {
		return "", false, nil
	}

	messages, err := e.buildMessages(ctx, botID, botName, history)
	if err != nil {
		return "", false, err
	}

	logger := log.With().Str("component", "ambient").Str("scope", scope).Logger()

	res := e.gateway.Complete(ctx, ai.Request{
		AccountingKey: e.newKey(),
		UserID:        botID,
		Model:         e.settings.AmbientModel(),
		Messages:      messages,
		Ambient:       true,
	})
	if !res.Accepted {
		logger.Warn().Str("kind", res.Kind.String()).Msg("ambient reply rejected")
		return "", false, nil
	}

	reply := stripSpeaker(res.Text)
	if strings.Contains(reply, EmptyMarker) {
		logger.Info().Msg("ambient reply skipped")
		return "", false, nil
	}
	if reply == "" {
		return "", false, nil
	}

	logger.Info().Str("reply", reply).Msg("ambient reply")
	e.cache.Append(scope, Record{SpeakerID: botID, SpeakerName: botName, Text: reply})
	return reply, true, nil
}

func (e *Engine) buildMessages(ctx context.Context, botID, botName, history string) ([]chat.Message, error) {
	persona, ok := e.settings.AmbientPersona()
	if !ok {
		persona = e.settings.Persona()
	}

	formatted, err := e.template.Format(ctx, map[string]any{
		"persona":  persona,
		"bot_id":   botID,
		"bot_name": botName,
		"history":  history,
	})
	if err != nil {
		return nil, errors.Wrap(err, "format ambient prompt")
	}

	messages := make([]chat.Message, 0, len(formatted))
	for _, msg := range formatted {
		messages = append(messages, chat.Message{Role: chat.Role(msg.Role), Content: msg.Content})
	}
	return messages, nil
}

// stripSpeaker 去掉模型模仿聊天记录时带上的 "某人:" 前缀。
func stripSpeaker(text string) string {
	if _, rest, found := strings.Cut(text, ":"); found {
		text = rest
	}
	return strings.TrimSpace(text)
}
