// Package matrix 通过 mautrix 同步循环接入 Matrix 房间。
//
// 成员数超过 2 的房间视为群聊，房间号即群号；两人房间视为私聊。
// 未启用端到端加密，消息以明文收发。
package matrix

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/zhouzirui/zhipu-toolkit/internal/handler/bot"
	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

const (
	adminPowerLevel = 50
	minBackoff      = 2 * time.Second
	maxBackoff      = 5 * time.Minute
)

// Handler 处理一条归一化后的消息。
type Handler interface {
	Handle(ctx context.Context, ev bot.Event, sender bot.Sender) error
}

// Config 是 Matrix 账号参数。
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// roomAPI 是用到的 mautrix 客户端方法。
type roomAPI interface {
	JoinedMembers(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinedMembers, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, outContent interface{}) error
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Client 把房间消息交给 Handler。
type Client struct {
	mxc     *mautrix.Client
	api     roomAPI
	userID  id.UserID
	handler Handler
	logger  zerolog.Logger
	// 早于 started 的消息来自初次同步的历史，忽略。
	started time.Time
}

func NewClient(cfg Config, handler Handler) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "create matrix client")
	}
	return &Client{
		mxc:     mxc,
		api:     mxc,
		userID:  id.UserID(cfg.UserID),
		handler: handler,
		logger:  log.With().Str("component", "matrix").Logger(),
	}, nil
}

// Run 注册消息回调并同步，出错时指数退避重连，直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("unexpected matrix syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		go c.handleEvent(ctx, evt)
	})

	c.started = time.Now()
	c.logger.Info().Str("user", c.userID.String()).Msg("starting matrix sync")
	backoff := minBackoff
	for {
		err := c.mxc.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = minBackoff
			continue
		}

		c.logger.Error().Err(err).Dur("backoff", backoff).Msg("matrix sync error, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	ev, ok := c.toEvent(ctx, evt)
	if !ok {
		return
	}
	sender := &target{api: c.api, roomID: evt.RoomID}
	if err := c.handler.Handle(ctx, ev, sender); err != nil {
		c.logger.Error().Err(err).Str("room", evt.RoomID.String()).Msg("handle message failed")
	}
}

func (c *Client) toEvent(ctx context.Context, evt *event.Event) (bot.Event, bool) {
	if evt.Sender == c.userID || time.UnixMilli(evt.Timestamp).Before(c.started) {
		return bot.Event{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return bot.Event{}, false
	}

	members, err := c.api.JoinedMembers(ctx, evt.RoomID)
	if err != nil {
		c.logger.Warn().Err(err).Str("room", evt.RoomID.String()).Msg("fetch joined members failed")
		members = &mautrix.RespJoinedMembers{}
	}
	isGroup := len(members.Joined) > 2

	localpart, _, err := evt.Sender.Parse()
	if err != nil {
		localpart = evt.Sender.String()
	}
	mentioned := content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, c.userID)
	ev := bot.Event{
		Platform:   "matrix",
		SelfID:     c.userID.String(),
		SelfName:   members.Joined[c.userID].DisplayName,
		UserID:     evt.Sender.String(),
		UserName:   localpart,
		MemberNick: members.Joined[evt.Sender].DisplayName,
		IsGroup:    isGroup,
		ToMe:       mentioned || !isGroup,
		Segments:   []chat.Segment{chat.TextSegment{Text: content.Body}},
	}
	if isGroup {
		ev.GroupID = evt.RoomID.String()
		ev.IsAdmin = c.isRoomAdmin(ctx, evt.RoomID, evt.Sender)
	}
	return ev, true
}

func (c *Client) isRoomAdmin(ctx context.Context, roomID id.RoomID, userID id.UserID) bool {
	var levels event.PowerLevelsEventContent
	if err := c.api.StateEvent(ctx, roomID, event.StatePowerLevels, "", &levels); err != nil {
		c.logger.Debug().Err(err).Str("room", roomID.String()).Msg("fetch power levels failed")
		return false
	}
	return levels.GetUserLevel(userID) >= adminPowerLevel
}

// target 把回复发到消息所在的房间。图片和视频以链接发送。
type target struct {
	api    roomAPI
	roomID id.RoomID
}

func (t *target) SendText(ctx context.Context, text string) error {
	return t.send(ctx, &event.MessageEventContent{MsgType: event.MsgText, Body: text})
}

func (t *target) SendSegments(ctx context.Context, segments []chat.Segment) error {
	var body strings.Builder
	var mentions []id.UserID
	for _, segment := range segments {
		switch seg := segment.(type) {
		case chat.TextSegment:
			body.WriteString(seg.Text)
		case chat.MentionSegment:
			body.WriteString(seg.UserID)
			mentions = append(mentions, id.UserID(seg.UserID))
		case chat.ImageSegment:
			body.WriteString(seg.URL)
		}
	}
	if strings.TrimSpace(body.String()) == "" {
		return nil
	}

	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body.String()}
	if len(mentions) > 0 {
		content.Mentions = &event.Mentions{UserIDs: mentions}
	}
	return t.send(ctx, content)
}

func (t *target) SendImage(ctx context.Context, url string) error {
	return t.SendText(ctx, url)
}

func (t *target) SendVideo(ctx context.Context, url string) error {
	return t.SendText(ctx, url)
}

func (t *target) send(ctx context.Context, content *event.MessageEventContent) error {
	_, err := t.api.SendMessageEvent(ctx, t.roomID, event.EventMessage, content)
	return errors.Wrapf(err, "send to room %s", t.roomID)
}
