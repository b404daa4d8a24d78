package config

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// DefaultServerAddr 只监听本机。
const DefaultServerAddr = "127.0.0.1:8080"

// EnvPrefix 是环境变量前缀，ai.api_key 对应 ZHIPU_AI_API_KEY。
const EnvPrefix = "ZHIPU"

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	AI         AIConfig         `mapstructure:"ai"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Ambient    AmbientConfig    `mapstructure:"ambient"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Bot        BotConfig        `mapstructure:"bot"`
	OneBot     OneBotConfig     `mapstructure:"onebot"`
	Matrix     MatrixConfig     `mapstructure:"matrix"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig 描述管理 HTTP 服务配置。
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Token 非空时 /api 需要 "Authorization: Bearer <token>"。
	Token string `mapstructure:"token"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	// Provider 取值 zhipu、openai 或 ark。
	Provider                string        `mapstructure:"provider"`
	APIKey                  string        `mapstructure:"api_key"`
	BaseURL                 string        `mapstructure:"base_url"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	ChatModel               string        `mapstructure:"chat_model"`
	AmbientModel            string        `mapstructure:"ambient_model"`
	ImageModel              string        `mapstructure:"image_model"`
	VideoModel              string        `mapstructure:"video_model"`
	ImageUnderstandingModel string        `mapstructure:"image_understanding_model"`
	Ark                     ArkConfig     `mapstructure:"ark"`
}

// ArkConfig 是火山方舟的接入参数，ai.provider=ark 时使用。
type ArkConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// ChatConfig 描述普通对话。
type ChatConfig struct {
	Persona     string `mapstructure:"persona"`
	RoutingMode string `mapstructure:"routing_mode"`
}

// AmbientConfig 描述伪人模式。
type AmbientConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	TriggerProbability int      `mapstructure:"trigger_probability"`
	Persona            string   `mapstructure:"persona"`
	BanGroups          []string `mapstructure:"ban_groups"`
}

// StorageConfig 描述会话持久化。
type StorageConfig struct {
	// Driver 取值 json、sqlite 或 redis。
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisKey  string `mapstructure:"redis_key"`
}

// ModerationConfig 描述封禁名单存储。
type ModerationConfig struct {
	// Driver 取值 memory 或 redis。
	Driver string `mapstructure:"driver"`
}

// BotConfig 描述机器人身份与权限。
type BotConfig struct {
	Nicknames        []string `mapstructure:"nicknames"`
	Superusers       []string `mapstructure:"superusers"`
	GreetingImageDir string   `mapstructure:"greeting_image_dir"`
}

// OneBotConfig 描述 OneBot v11 正向 WebSocket 连接。
type OneBotConfig struct {
	WSURL       string `mapstructure:"ws_url"`
	AccessToken string `mapstructure:"access_token"`
}

// MatrixConfig 描述 Matrix 账号。
type MatrixConfig struct {
	Homeserver  string `mapstructure:"homeserver"`
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults 注册全部默认值；AutomaticEnv 只会覆盖已知的键。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.token", "")

	v.SetDefault("ai.provider", "zhipu")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("ai.chat_model", "glm-4-flash")
	v.SetDefault("ai.ambient_model", "glm-4-flash")
	v.SetDefault("ai.image_model", "cogview-3-flash")
	v.SetDefault("ai.video_model", "cogvideox-flash")
	v.SetDefault("ai.image_understanding_model", "glm-4v-flash")
	v.SetDefault("ai.ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.ark.region", "cn-beijing")
	v.SetDefault("ai.ark.access_key", "")
	v.SetDefault("ai.ark.secret_key", "")

	v.SetDefault("chat.persona", "你是真寻，你强大且无所不能")
	v.SetDefault("chat.routing_mode", string(chat.RoutingUser))

	v.SetDefault("ambient.enabled", false)
	v.SetDefault("ambient.trigger_probability", 20)
	v.SetDefault("ambient.persona", "")
	v.SetDefault("ambient.ban_groups", []string{})

	v.SetDefault("storage.driver", "json")
	v.SetDefault("storage.path", "data/zhipu_toolkit")
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("storage.redis_key", "zhipu:chat_history")

	v.SetDefault("moderation.driver", "memory")

	v.SetDefault("bot.nicknames", []string{"真寻"})
	v.SetDefault("bot.superusers", []string{})
	v.SetDefault("bot.greeting_image_dir", "")

	v.SetDefault("onebot.ws_url", "")
	v.SetDefault("onebot.access_token", "")

	v.SetDefault("matrix.homeserver", "")
	v.SetDefault("matrix.user_id", "")
	v.SetDefault("matrix.access_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load 依次读取 .env、配置文件与环境变量。configFile 为空时在工作目录查找
// config.yaml，找不到也不算错误。
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查枚举类配置。
func (c *Config) Validate() error {
	if !chat.RoutingMode(c.Chat.RoutingMode).Valid() {
		return errors.Errorf("invalid chat.routing_mode %q, want user, group or all", c.Chat.RoutingMode)
	}
	switch c.AI.Provider {
	case "zhipu", "openai", "ark":
	default:
		return errors.Errorf("invalid ai.provider %q", c.AI.Provider)
	}
	switch c.Storage.Driver {
	case "json", "sqlite", "redis":
	default:
		return errors.Errorf("invalid storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "redis" && c.Storage.RedisAddr == "" {
		return errors.New("storage.redis_addr is required for the redis driver")
	}
	switch c.Moderation.Driver {
	case "memory", "redis":
	default:
		return errors.Errorf("invalid moderation.driver %q", c.Moderation.Driver)
	}
	if c.Moderation.Driver == "redis" && c.Storage.RedisAddr == "" {
		return errors.New("storage.redis_addr is required for the redis ban list")
	}
	if c.Ambient.TriggerProbability < 0 || c.Ambient.TriggerProbability > 100 {
		return errors.Errorf("ambient.trigger_probability %d out of range [0,100]", c.Ambient.TriggerProbability)
	}
	if c.Server.Token == "" && !isLoopback(c.Server.Addr) {
		return errors.Errorf("server.token is required when server.addr %q is not a loopback address", c.Server.Addr)
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
