package config

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// Persister 把运行期修改写回配置源。
type Persister func(key string, value any) error

// ViperPersister 更新 v，并只把改动的键写回 v 读取的配置文件；来自环境变量
// 或 .env 的值（例如 API Key）不会落盘。没有使用配置文件时只更新内存。
func ViperPersister(v *viper.Viper) Persister {
	var mu sync.Mutex
	return func(key string, value any) error {
		mu.Lock()
		defer mu.Unlock()

		v.Set(key, value)
		path := v.ConfigFileUsed()
		if path == "" {
			return nil
		}

		file := viper.New()
		file.SetConfigFile(path)
		if err := file.ReadInConfig(); err != nil {
			return errors.Wrap(err, "reread config")
		}
		file.Set(key, value)
		return errors.Wrap(file.WriteConfig(), "write config")
	}
}

// Runtime 保存可在运行期读取和修改的配置，读取方每次调用时取值。
type Runtime struct {
	// saveMu 串行化修改与写回，保证落盘顺序与内存一致。
	saveMu  sync.Mutex
	mu      sync.RWMutex
	ai      AIConfig
	chat    ChatConfig
	ambient AmbientConfig
	bot     BotConfig
	persist Persister
}

// NewRuntime 复制 cfg 中的可变部分。persist 可为 nil。
func NewRuntime(cfg *Config, persist Persister) *Runtime {
	r := &Runtime{
		ai:      cfg.AI,
		chat:    cfg.Chat,
		ambient: cfg.Ambient,
		bot:     cfg.Bot,
		persist: persist,
	}
	r.ambient.BanGroups = slices.Clone(cfg.Ambient.BanGroups)
	return r
}

func (r *Runtime) APIKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.TrimSpace(r.ai.APIKey)
}

// HasCredentials 判断是否配置了上游凭证。
func (r *Runtime) HasCredentials() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.TrimSpace(r.ai.APIKey) != "" {
		return true
	}
	return r.ai.Provider == "ark" && r.ai.Ark.AccessKey != "" && r.ai.Ark.SecretKey != ""
}

func (r *Runtime) ChatModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ai.ChatModel
}

func (r *Runtime) AmbientModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ai.AmbientModel
}

func (r *Runtime) Persona() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chat.Persona
}

// AmbientPersona 返回伪人专用人设。空值或 "false" 表示沿用普通人设。
func (r *Runtime) AmbientPersona() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	persona := strings.TrimSpace(r.ambient.Persona)
	switch strings.ToLower(persona) {
	case "", "false", "0":
		return "", false
	}
	return persona, true
}

func (r *Runtime) RoutingMode() chat.RoutingMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return chat.RoutingMode(r.chat.RoutingMode)
}

// SetRoutingMode 切换路由模式，已有会话不迁移。
func (r *Runtime) SetRoutingMode(mode chat.RoutingMode) error {
	if !mode.Valid() {
		return errors.Errorf("invalid routing mode %q", mode)
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	r.chat.RoutingMode = string(mode)
	r.mu.Unlock()
	return r.save("chat.routing_mode", string(mode))
}

func (r *Runtime) AmbientEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ambient.Enabled
}

// TriggerProbability 返回伪人插话概率，范围 0-100。
func (r *Runtime) TriggerProbability() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ambient.TriggerProbability
}

// IsAmbientBanned 判断群是否禁用了伪人模式。
func (r *Runtime) IsAmbientBanned(scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.ambient.BanGroups, scope)
}

// AmbientBans 返回禁用伪人模式的群，已排序。
func (r *Runtime) AmbientBans() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.ambient.BanGroups)
	sort.Strings(out)
	return out
}

// DisableAmbient 把群加入禁用名单。返回 false 表示已在名单中。
func (r *Runtime) DisableAmbient(scope string) (bool, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if slices.Contains(r.ambient.BanGroups, scope) {
		r.mu.Unlock()
		return false, nil
	}
	r.ambient.BanGroups = append(r.ambient.BanGroups, scope)
	bans := slices.Clone(r.ambient.BanGroups)
	r.mu.Unlock()

	return true, r.save("ambient.ban_groups", bans)
}

// EnableAmbient 把群移出禁用名单。返回 false 表示原本不在名单中。
func (r *Runtime) EnableAmbient(scope string) (bool, error) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	idx := slices.Index(r.ambient.BanGroups, scope)
	if idx < 0 {
		r.mu.Unlock()
		return false, nil
	}
	r.ambient.BanGroups = slices.Delete(r.ambient.BanGroups, idx, idx+1)
	bans := slices.Clone(r.ambient.BanGroups)
	r.mu.Unlock()

	return true, r.save("ambient.ban_groups", bans)
}

func (r *Runtime) Nicknames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bot.Nicknames)
}

func (r *Runtime) IsSuperuser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.bot.Superusers, userID)
}

func (r *Runtime) GreetingImageDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bot.GreetingImageDir
}

func (r *Runtime) save(key string, value any) error {
	if r.persist == nil {
		return nil
	}
	return r.persist(key, value)
}
