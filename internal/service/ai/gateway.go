package ai

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/moderation"
)

// 面向用户的固定提示语。
const (
	MsgMissingAPIKey    = "请先设置智谱AI的APIKEY!"
	MsgInputViolation   = "输入内容包含不安全或敏感内容，你已被封禁5分钟"
	MsgHistoryViolation = "历史记录包含违规内已被清除，请重新开始对话"
	MsgOutputExhausted  = "AI回复多次触发内容审查，请稍后再试"
	MsgTransient        = "AI服务暂时不可用，请稍后再试"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultBanDuration = 300 * time.Second
)

// HistoryClearer drops the whole history of one session key.
type HistoryClearer interface {
	Clear(key string) int
}

// Request is one gateway call.
type Request struct {
	// AccountingKey identifies the session upstream and is the key cleared on
	// a history violation.
	AccountingKey string
	// UserID is the platform identity banned on an input violation.
	UserID   string
	Model    string
	Messages []chat.Message
	Ambient  bool
}

// Result is what the caller may show. Only Accepted results belong in history.
type Result struct {
	Text     string
	Accepted bool
	Kind     ViolationKind
	Attempts int
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithMaxAttempts bounds how often an output violation is retried in total.
func WithMaxAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the wait between output-violation retries.
func WithRetryDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.retryDelay = d }
}

// WithBanDuration sets the ban imposed on input violations.
func WithBanDuration(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.banDuration = d }
}

// Gateway is the single choke point for upstream completions. It applies the
// moderation recovery policy chosen by its Classifier.
type Gateway struct {
	completer  Completer
	classifier Classifier
	banner     moderation.Banner
	history    HistoryClearer

	maxAttempts int
	retryDelay  time.Duration
	banDuration time.Duration
}

// NewGateway wires a gateway. classifier defaults to ZhipuClassifier.
func NewGateway(completer Completer, classifier Classifier, banner moderation.Banner, history HistoryClearer, opts ...GatewayOption) *Gateway {
	if classifier == nil {
		classifier = ZhipuClassifier()
	}
	g := &Gateway{
		completer:   completer,
		classifier:  classifier,
		banner:      banner,
		history:     history,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		banDuration: DefaultBanDuration,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete calls upstream and maps failures to user-facing text.
func (g *Gateway) Complete(ctx context.Context, req Request) Result {
	logger := log.With().Str("component", "gateway").Str("key", req.AccountingKey).
		Str("model", req.Model).Bool("ambient", req.Ambient).Logger()

	upstream := CompletionRequest{
		Model:    req.Model,
		User:     req.AccountingKey,
		Messages: req.Messages,
	}

	for attempt := 1; ; attempt++ {
		text, err := g.completer.Complete(ctx, upstream)
		if err == nil {
			return Result{Text: text, Accepted: true, Kind: KindNone, Attempts: attempt}
		}

		if errors.Is(err, ErrMissingAPIKey) {
			return Result{Text: MsgMissingAPIKey, Kind: KindTransient, Attempts: attempt}
		}

		kind := g.classifier.Classify(err)
		switch kind {
		case KindOutput:
			if attempt >= g.maxAttempts {
				logger.Warn().Err(err).Int("attempts", attempt).Msg("output moderation retries exhausted")
				return Result{Text: MsgOutputExhausted, Kind: kind, Attempts: attempt}
			}
			logger.Warn().Int("attempt", attempt).Msg("reply tripped moderation, retrying")
			select {
			case <-ctx.Done():
				return Result{Text: MsgTransient, Kind: KindTransient, Attempts: attempt}
			case <-time.After(g.retryDelay):
			}
			continue

		case KindInput:
			if req.Ambient {
				logger.Warn().Err(err).Msg("ambient prompt tripped moderation")
				return Result{Text: MsgInputViolation, Kind: kind, Attempts: attempt}
			}
			logger.Warn().Str("user", req.UserID).Msg("input tripped moderation, banning user")
			if g.banner != nil {
				if banErr := g.banner.Ban(ctx, req.UserID, "", moderation.LevelContentViolation, g.banDuration); banErr != nil {
					logger.Error().Err(banErr).Str("user", req.UserID).Msg("ban failed")
				}
			}
			return Result{Text: MsgInputViolation, Kind: kind, Attempts: attempt}

		case KindHistory:
			cleared := 0
			if g.history != nil {
				cleared = g.history.Clear(req.AccountingKey)
			}
			logger.Warn().Int("cleared", cleared).Msg("history tripped moderation, session cleared")
			return Result{Text: MsgHistoryViolation, Kind: kind, Attempts: attempt}

		default:
			logger.Error().Err(err).Msg("upstream call failed")
			return Result{Text: MsgTransient, Kind: KindTransient, Attempts: attempt}
		}
	}
}
