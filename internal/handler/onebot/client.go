// Package onebot 通过 OneBot v11 正向 WebSocket 接入 QQ。
package onebot

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/handler/bot"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultCallTimeout       = 8 * time.Second
	handshakeTimeout         = 10 * time.Second
)

// ErrNotConnected 表示当前没有可用的连接。
var ErrNotConnected = errors.New("onebot websocket not connected")

// Handler 处理一条归一化后的消息。
type Handler interface {
	Handle(ctx context.Context, ev bot.Event, sender bot.Sender) error
}

// Config 是连接参数。
type Config struct {
	WSURL             string
	AccessToken       string
	ReconnectInterval time.Duration
	CallTimeout       time.Duration
}

// Client 维护到 OneBot 实现端的连接，分发事件并发起 API 调用。
type Client struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	selfName string

	writeMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan apiResponse
}

func NewClient(cfg Config, handler Handler) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  log.With().Str("component", "onebot").Logger(),
		waiters: make(map[string]chan apiResponse),
	}
}

// Run 连接并持续读取事件，断线后按间隔重连，直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.WSURL == "" {
		return errors.New("onebot ws_url not configured")
	}
	c.logger.Info().Str("ws_url", c.cfg.WSURL).Msg("starting onebot client")

	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("connect failed, will retry")
		} else {
			c.listen(ctx)
		}

		select {
		case <-ctx.Done():
			c.close()
			return nil
		case <-time.After(c.cfg.ReconnectInterval):
			c.logger.Info().Msg("reconnecting")
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return errors.Wrap(err, "dial onebot")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info().Msg("websocket connected")
	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// listen 阻塞读取，直到连接出错或 ctx 结束。
func (c *Client) listen(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			c.close()
			return
		}

		var raw rawEvent
		if err := json.Unmarshal(payload, &raw); err != nil {
			c.logger.Warn().Err(err).Msg("unmarshal event failed")
			continue
		}

		if raw.Echo != "" {
			c.dispatchResponse(payload, raw.Echo)
			continue
		}

		switch raw.PostType {
		case "message":
			go c.handleMessage(ctx, raw)
		case "meta_event":
			c.logger.Debug().Str("meta_event_type", raw.MetaEventType).Msg("meta event")
		default:
			c.logger.Debug().Str("post_type", raw.PostType).Msg("event ignored")
		}
	}
}

// loginName 返回机器人昵称，首次调用时通过 get_login_info 获取并缓存。
func (c *Client) loginName(ctx context.Context) string {
	c.mu.Lock()
	name := c.selfName
	c.mu.Unlock()
	if name != "" {
		return name
	}

	data, err := c.Call(ctx, "get_login_info", struct{}{})
	if err != nil {
		c.logger.Warn().Err(err).Msg("get_login_info failed")
		return ""
	}
	var info struct {
		Nickname string `json:"nickname"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return ""
	}
	c.mu.Lock()
	c.selfName = info.Nickname
	c.mu.Unlock()
	return info.Nickname
}

func (c *Client) handleMessage(ctx context.Context, raw rawEvent) {
	ev := toEvent(raw)
	ev.SelfName = c.loginName(ctx)
	if ev.IsGroup && ev.MemberNick == "" {
		ev.MemberNick = c.memberCard(ctx, ev.GroupID, ev.UserID)
	}

	sender := &target{client: c, groupID: ev.GroupID, userID: ev.UserID}
	if err := c.handler.Handle(ctx, ev, sender); err != nil {
		c.logger.Error().Err(err).Str("user", ev.UserID).Str("group", ev.GroupID).Msg("handle message failed")
	}
}

func toEvent(raw rawEvent) bot.Event {
	segments, mentioned := parseSegments(raw.Message, string(raw.SelfID))
	return bot.Event{
		Platform:   "onebot",
		SelfID:     string(raw.SelfID),
		UserID:     string(raw.UserID),
		UserName:   raw.Sender.Nickname,
		MemberNick: raw.Sender.Card,
		GroupID:    string(raw.GroupID),
		IsGroup:    raw.MessageType == "group",
		ToMe:       mentioned || raw.MessageType == "private",
		Segments:   segments,
		IsAdmin:    raw.Sender.Role == "owner" || raw.Sender.Role == "admin",
	}
}

func (c *Client) memberCard(ctx context.Context, groupID, userID string) string {
	gid, err := parseID(groupID)
	if err != nil {
		return ""
	}
	uid, err := parseID(userID)
	if err != nil {
		return ""
	}
	data, err := c.Call(ctx, "get_group_member_info", map[string]int64{"group_id": gid, "user_id": uid})
	if err != nil {
		c.logger.Debug().Err(err).Msg("get_group_member_info failed")
		return ""
	}
	var info struct {
		Card string `json:"card"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return ""
	}
	return info.Card
}

// Call 发送一个 API 请求并等待同 echo 的响应。
func (c *Client) Call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	echo := uuid.NewString()
	waiter := make(chan apiResponse, 1)
	c.waitMu.Lock()
	c.waiters[echo] = waiter
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		delete(c.waiters, echo)
		c.waitMu.Unlock()
	}()

	payload, err := json.Marshal(apiRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s request", action)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "write %s request", action)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if resp.Status == "failed" || resp.RetCode != 0 {
			return nil, errors.Errorf("%s failed: retcode=%d %s", action, resp.RetCode, resp.message())
		}
		return resp.Data, nil
	case <-timer.C:
		return nil, errors.Errorf("%s timed out", action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dispatchResponse(payload []byte, echo string) {
	var resp apiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn().Err(err).Str("echo", echo).Msg("unmarshal api response failed")
		return
	}

	c.waitMu.Lock()
	waiter := c.waiters[echo]
	c.waitMu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- resp:
	default:
	}
}
