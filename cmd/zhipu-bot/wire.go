package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/config"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/moderation"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/session"
)

// backend 持有需要在退出时关闭的外部连接。
type backend struct {
	redis  *redis.Client
	closer []func() error
}

func (b *backend) redisClient(c *config.Config) *redis.Client {
	if b.redis == nil {
		b.redis = redis.NewClient(&redis.Options{Addr: c.Storage.RedisAddr})
		b.closer = append(b.closer, b.redis.Close)
	}
	return b.redis
}

func (b *backend) Close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		if err := b.closer[i](); err != nil {
			log.Warn().Err(err).Msg("close backend failed")
		}
	}
}

// openPersister 根据 storage.driver 选择会话持久化方式。
func (b *backend) openPersister(c *config.Config) (session.Persister, error) {
	switch c.Storage.Driver {
	case "sqlite":
		if err := os.MkdirAll(c.Storage.Path, 0o755); err != nil {
			return nil, errors.Wrap(err, "create data dir")
		}
		db, err := session.OpenSQLite(filepath.Join(c.Storage.Path, "chat_history.db"))
		if err != nil {
			return nil, err
		}
		b.closer = append(b.closer, db.Close)
		return db, nil
	case "redis":
		return session.NewRedis(b.redisClient(c), c.Storage.RedisKey), nil
	default:
		return session.NewJSONFile(filepath.Join(c.Storage.Path, session.DefaultDocumentName)), nil
	}
}

func (b *backend) openBanList(c *config.Config) moderation.BanList {
	if c.Moderation.Driver == "redis" {
		return moderation.NewRedisBanList(b.redisClient(c), "")
	}
	return moderation.NewMemoryBanList()
}

// newCompleter 按 ai.provider 构造上游客户端与对应的错误分类器。
// 未配置凭证时返回的 Completer 每次都报 ErrMissingAPIKey。
func newCompleter(c *config.Config) (ai.Completer, ai.Classifier) {
	if c.AI.Provider == "ark" {
		factory := ai.ArkFactory(ai.ArkSettings{
			BaseURL:   c.AI.Ark.BaseURL,
			Region:    c.AI.Ark.Region,
			APIKey:    c.AI.APIKey,
			AccessKey: c.AI.Ark.AccessKey,
			SecretKey: c.AI.Ark.SecretKey,
		})
		return ai.NewEinoCompleter(factory), ai.ArkClassifier()
	}

	baseURL := c.AI.BaseURL
	if baseURL == "" && c.AI.Provider == "zhipu" {
		baseURL = ai.ZhipuBaseURL
	}
	client, err := ai.NewOpenAIClient(c.AI.APIKey, baseURL, c.AI.Timeout)
	if err != nil {
		log.Warn().Err(err).Msg("chat completion disabled")
		return ai.CompleterFunc(func(context.Context, ai.CompletionRequest) (string, error) {
			return "", ai.ErrMissingAPIKey
		}), ai.ZhipuClassifier()
	}
	return ai.NewOpenAICompleter(client), ai.ZhipuClassifier()
}

// newMedia 构造图片、视频与识图客户端，没有 API Key 时返回 nil。
func newMedia(c *config.Config) *ai.Media {
	if c.AI.Provider == "ark" {
		return nil
	}
	media, err := ai.NewMedia(c.AI.APIKey, c.AI.BaseURL, c.AI.Timeout, ai.MediaModels{
		Image:              c.AI.ImageModel,
		Video:              c.AI.VideoModel,
		ImageUnderstanding: c.AI.ImageUnderstandingModel,
	})
	if err != nil {
		log.Warn().Err(err).Msg("media features disabled")
		return nil
	}
	return media
}
