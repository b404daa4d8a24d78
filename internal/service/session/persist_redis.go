package session

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// DefaultRedisKey is the hash holding the session document.
const DefaultRedisKey = "zhipu:chat_history"

// Redis persists the document as one hash: field = session key, value =
// JSON-encoded history.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis returns a persister using client. An empty key selects
// DefaultRedisKey.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Load reads every hash field.
func (r *Redis) Load(ctx context.Context) (Document, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "hgetall %s", r.key)
	}

	doc := make(Document, len(fields))
	for key, raw := range fields {
		var messages []chat.Message
		if err := json.Unmarshal([]byte(raw), &messages); err != nil {
			return nil, errors.Wrapf(err, "decode session %s", key)
		}
		doc[key] = messages
	}
	return doc, nil
}

// Save replaces the hash atomically.
func (r *Redis) Save(ctx context.Context, doc Document) error {
	values := make(map[string]interface{}, len(doc))
	for key, messages := range doc {
		raw, err := json.Marshal(messages)
		if err != nil {
			return errors.Wrapf(err, "encode session %s", key)
		}
		values[key] = string(raw)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(values) > 0 {
			pipe.HSet(ctx, r.key, values)
		}
		return nil
	})
	return errors.Wrapf(err, "replace %s", r.key)
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
