package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/session"
)

const (
	// MaxTurnLength 是单条用户消息格式化后的最大字符数，粗略对应上游 token 预算。
	MaxTurnLength = 4095
	// MsgTooLong 是超长消息的固定回复。
	MsgTooLong = "超出最大token限制: 4095"

	turnTimeLayout = "2006-01-02 15:04:05"
)

// Gateway 负责调用上游大模型。
type Gateway interface {
	Complete(ctx context.Context, req ai.Request) ai.Result
}

// Settings 在每次对话时读取。
type Settings interface {
	Persona() string
	RoutingMode() chat.RoutingMode
	ChatModel() string
}

// Reply is the outcome of one Chat call.
type Reply struct {
	Key      string           `json:"key"`
	Text     string           `json:"text"`
	Accepted bool             `json:"accepted"`
	Kind     ai.ViolationKind `json:"-"`
}

// Service 是会话管理器：决定消息归属哪个会话，维护历史并调用上游。
type Service struct {
	store    *session.Store
	gateway  Gateway
	settings Settings
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// NewService 组装会话管理器。
func NewService(store *session.Store, gateway Gateway, settings Settings) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		settings: settings,
		now:      time.Now,
		locks:    make(map[string]*keyLock),
	}
}

// KeyFor 根据当前路由模式计算会话键。
func (s *Service) KeyFor(r chat.Routing) string {
	return KeyFor(s.settings.RoutingMode(), r)
}

// KeyFor 计算会话键。群模式的键都带 "g-" 前缀，与用户模式的键互不冲突。
func KeyFor(mode chat.RoutingMode, r chat.Routing) string {
	switch mode {
	case chat.RoutingGroup:
		if r.IsGroup && r.ScopeID != "" {
			return chat.GroupKey(r.ScopeID)
		}
		return chat.GroupKey(r.UserID)
	case chat.RoutingAll:
		return chat.SharedKey
	default:
		return r.UserID
	}
}

// FormatTurn 生成写入历史的用户消息。
func FormatTurn(at time.Time, displayName, text string) string {
	return fmt.Sprintf("[sent at %s from %s]:%s", at.Format(turnTimeLayout), displayName, text)
}

// Chat 处理一条消息并返回回复。被拒绝的回复不会写入历史。
func (s *Service) Chat(ctx context.Context, text string, r chat.Routing) Reply {
	key := s.KeyFor(r)
	logger := log.With().Str("component", "chat").Str("key", key).Str("user", r.UserID).Logger()

	turn := FormatTurn(s.now(), r.DisplayName(), text)
	if utf8.RuneCountInString(turn) > MaxTurnLength {
		logger.Warn().Int("length", utf8.RuneCountInString(turn)).Msg("message exceeds turn limit")
		return Reply{Key: key, Text: MsgTooLong, Kind: ai.KindNone}
	}

	unlock := s.lock(key)
	defer unlock()

	history, created := s.store.StartTurn(key, s.settings.Persona(), chat.UserMessage(turn))
	if created {
		logger.Info().Msg("session created")
	}

	res := s.gateway.Complete(ctx, ai.Request{
		AccountingKey: key,
		UserID:        r.UserID,
		Model:         s.settings.ChatModel(),
		Messages:      history,
	})
	if !res.Accepted {
		logger.Warn().Str("kind", res.Kind.String()).Msg("completion rejected")
		return Reply{Key: key, Text: res.Text, Kind: res.Kind}
	}

	if !s.store.Append(key, chat.AssistantMessage(res.Text)) {
		// 等待上游期间会话被清理，回复照常返回但不再写入。
		logger.Info().Msg("session cleared during completion, reply not stored")
	}
	logger.Info().Int("length", utf8.RuneCountInString(res.Text)).Msg("reply generated")
	return Reply{Key: key, Text: res.Text, Accepted: true}
}

// History 返回某个会话的历史副本。
func (s *Service) History(key string) ([]chat.Message, bool) {
	return s.store.Get(key)
}

// Keys 返回全部会话键。
func (s *Service) Keys() []string {
	return s.store.Keys()
}

// Clear 删除一个会话，返回原消息条数。
func (s *Service) Clear(key string) int {
	unlock := s.lock(key)
	defer unlock()
	return s.store.Clear(key)
}

// ClearGroup 删除群会话。
func (s *Service) ClearGroup(scopeID string) int {
	return s.Clear(chat.GroupKey(scopeID))
}

// ClearAll 删除全部会话，返回原会话数。
func (s *Service) ClearAll() int {
	return s.store.ClearAll()
}

// keyLock 是按会话键的互斥锁，refs 归零时从表中移除。
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Service) lock(key string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

// lockCount 返回当前持有或等待中的键锁数量。
func (s *Service) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}
