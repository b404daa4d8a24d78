package ai

import (
	"context"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// ChatModelFactory builds an eino chat model bound to one model name.
type ChatModelFactory func(ctx context.Context, modelName string) (model.ChatModel, error)

// EinoCompleter runs completions through eino chat models, one instance per
// model name, created on first use.
type EinoCompleter struct {
	factory ChatModelFactory

	mu     sync.Mutex
	models map[string]model.ChatModel
}

// NewEinoCompleter returns a completer backed by factory.
func NewEinoCompleter(factory ChatModelFactory) *EinoCompleter {
	return &EinoCompleter{factory: factory, models: make(map[string]model.ChatModel)}
}

// ArkSettings 描述火山方舟的接入参数。
type ArkSettings struct {
	BaseURL   string
	Region    string
	APIKey    string
	AccessKey string
	SecretKey string
}

// ArkFactory 返回基于方舟的模型工厂。
func ArkFactory(settings ArkSettings) ChatModelFactory {
	return func(ctx context.Context, modelName string) (model.ChatModel, error) {
		if settings.APIKey == "" && (settings.AccessKey == "" || settings.SecretKey == "") {
			return nil, ErrMissingAPIKey
		}
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:   settings.BaseURL,
			Region:    settings.Region,
			APIKey:    settings.APIKey,
			AccessKey: settings.AccessKey,
			SecretKey: settings.SecretKey,
			Model:     modelName,
		})
	}
}

// Complete converts the history to eino messages and calls Generate once.
func (c *EinoCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	chatModel, err := c.modelFor(ctx, req.Model)
	if err != nil {
		return "", err
	}

	resp, err := chatModel.Generate(ctx, toSchemaMessages(req.Messages))
	if err != nil {
		return "", errors.Wrap(err, "generate")
	}
	if resp == nil {
		return "", ErrEmptyCompletion
	}
	return resp.Content, nil
}

func (c *EinoCompleter) modelFor(ctx context.Context, name string) (model.ChatModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.models[name]; ok {
		return m, nil
	}
	m, err := c.factory(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "create chat model %s", name)
	}
	c.models[name] = m
	return m, nil
}

var _ Completer = (*EinoCompleter)(nil)

func toSchemaMessages(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(msg.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		default:
			out = append(out, schema.UserMessage(msg.Content))
		}
	}
	return out
}
