// Package bot 把各平台的消息事件分发到命令、普通对话和伪人模式。
package bot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/zhipu-toolkit/internal/analysis/trigger"
	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ambient"
	chatservice "github.com/zhouzirui/zhipu-toolkit/internal/service/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/moderation"
)

// Event 是与平台无关的入站消息。
type Event struct {
	Platform   string
	SelfID     string
	SelfName   string
	UserID     string
	UserName   string
	MemberNick string
	GroupID    string
	IsGroup    bool
	// ToMe 由平台判定：被 @ 或私聊。
	ToMe        bool
	Segments    []chat.Segment
	IsAdmin     bool
	IsSuperuser bool
}

// Routing 返回会话管理器需要的身份信息。
func (e Event) Routing() chat.Routing {
	return chat.Routing{
		UserID:     e.UserID,
		ScopeID:    e.GroupID,
		IsGroup:    e.IsGroup,
		MemberNick: e.MemberNick,
		UserName:   e.UserName,
	}
}

// Sender 把回复发回事件来源。
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendSegments(ctx context.Context, segments []chat.Segment) error
	SendImage(ctx context.Context, url string) error
	SendVideo(ctx context.Context, url string) error
}

// Chatter 是会话管理器的对外能力。
type Chatter interface {
	Chat(ctx context.Context, text string, r chat.Routing) chatservice.Reply
	Clear(key string) int
	ClearGroup(scopeID string) int
	ClearAll() int
}

// AmbientEngine 是伪人引擎。
type AmbientEngine interface {
	MaybeReply(ctx context.Context, scope, botID, botName string) (string, bool, error)
	Cache() *ambient.Cache
}

// Media 是图片、视频与识图能力。
type Media interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
	SubmitVideo(ctx context.Context, prompt string) (string, error)
	WaitVideo(ctx context.Context, taskID string) (string, error)
	DescribeImage(ctx context.Context, url string) string
}

// Settings 是分发时读取的运行期配置。
type Settings interface {
	HasCredentials() bool
	Nicknames() []string
	IsSuperuser(userID string) bool
	AmbientEnabled() bool
	IsAmbientBanned(scope string) bool
	TriggerProbability() int
	DisableAmbient(scope string) (bool, error)
	EnableAmbient(scope string) (bool, error)
	GreetingImageDir() string
}

var greetings = []string{
	"哦豁？！",
	"你好！Ov<",
	"库库库，呼唤%s做什么呢",
	"我在呢！",
	"呼呼，叫俺干嘛",
}

// Dispatcher 处理单个事件。可并发调用。
type Dispatcher struct {
	chat     Chatter
	ambient  AmbientEngine
	media    Media
	bans     moderation.Checker
	settings Settings

	roll  func() float64
	sleep func(time.Duration)
}

// NewDispatcher 组装分发器。media 为 nil 时生成类命令与识图不可用。
func NewDispatcher(chatter Chatter, engine AmbientEngine, media Media, bans moderation.Checker, settings Settings) *Dispatcher {
	return &Dispatcher{
		chat:     chatter,
		ambient:  engine,
		media:    media,
		bans:     bans,
		settings: settings,
		roll:     rand.Float64,
		sleep:    time.Sleep,
	}
}

// Handle 处理一条消息。
func (d *Dispatcher) Handle(ctx context.Context, ev Event, sender Sender) error {
	logger := log.With().Str("component", "dispatcher").Str("platform", ev.Platform).
		Str("user", ev.UserID).Str("group", ev.GroupID).Logger()

	if ev.UserID == "" || ev.UserID == ev.SelfID {
		return nil
	}
	if d.bans != nil && d.bans.IsBanned(ctx, ev.UserID, ev.GroupID) {
		logger.Debug().Msg("banned user ignored")
		return nil
	}

	ev.IsSuperuser = ev.IsSuperuser || d.settings.IsSuperuser(ev.UserID)
	text := chat.PlainText(ev.Segments)

	if cmd := trigger.ParseCommand(text); cmd.Kind != trigger.NoCommand {
		return d.handleCommand(ctx, logger, ev, cmd, sender)
	}

	if decision := trigger.IsToMe(text, d.settings.Nicknames(), ev.ToMe); decision.ToMe {
		return d.handleChat(ctx, logger, ev, text, sender)
	}

	if ev.IsGroup {
		return d.handleAmbient(ctx, logger, ev, sender)
	}
	return nil
}

func (d *Dispatcher) handleChat(ctx context.Context, logger zerolog.Logger, ev Event, text string, sender Sender) error {
	if text == "" && !hasImage(ev.Segments) {
		return d.greet(ctx, ev, sender)
	}
	if !d.settings.HasCredentials() {
		return sender.SendText(ctx, ai.MsgMissingAPIKey)
	}

	prompt := chat.RenderSegments(ctx, ev.Segments, d.describer())
	reply := d.chat.Chat(ctx, prompt, ev.Routing())
	logger.Info().Str("key", reply.Key).Bool("accepted", reply.Accepted).Msg("chat handled")

	for _, piece := range SplitReply(reply.Text) {
		if err := sender.SendSegments(ctx, piece.Segments); err != nil {
			return err
		}
		d.sleep(piece.Delay)
	}
	return nil
}

func (d *Dispatcher) handleAmbient(ctx context.Context, logger zerolog.Logger, ev Event, sender Sender) error {
	if d.ambient == nil || !d.settings.AmbientEnabled() || d.settings.IsAmbientBanned(ev.GroupID) {
		return nil
	}
	if !d.settings.HasCredentials() {
		return nil
	}

	d.ambient.Cache().Append(ev.GroupID, ambient.Record{
		SpeakerID:   ev.UserID,
		SpeakerName: ev.Routing().DisplayName(),
		Text:        chat.RenderSegments(ctx, ev.Segments, d.describer()),
	})

	if d.roll()*100 >= float64(d.settings.TriggerProbability()) {
		return nil
	}

	reply, ok, err := d.ambient.MaybeReply(ctx, ev.GroupID, ev.SelfID, ev.SelfName)
	if err != nil {
		logger.Error().Err(err).Msg("ambient reply failed")
		return nil
	}
	if !ok {
		return nil
	}
	return sender.SendText(ctx, reply)
}

func (d *Dispatcher) handleCommand(ctx context.Context, logger zerolog.Logger, ev Event, cmd trigger.Command, sender Sender) error {
	switch cmd.Kind {
	case trigger.GenerateImage:
		return d.generateImage(ctx, cmd.Arg, sender)

	case trigger.GenerateVideo:
		return d.generateVideo(ctx, logger, cmd.Arg, sender)

	case trigger.ClearMine:
		count := d.chat.Clear(ev.UserID)
		return sender.SendText(ctx, fmt.Sprintf("已清理 %s 的 %d 条数据", ev.UserID, count))

	case trigger.ClearAll:
		if !ev.IsSuperuser {
			return nil
		}
		return sender.SendText(ctx, fmt.Sprintf("已清理 %d 条用户数据", d.chat.ClearAll()))

	case trigger.ClearGroup:
		if !ev.IsGroup || !(ev.IsAdmin || ev.IsSuperuser) {
			return nil
		}
		return sender.SendText(ctx, fmt.Sprintf("已清理 %d 条用户数据", d.chat.ClearGroup(ev.GroupID)))

	case trigger.ToggleAmbient:
		return d.toggleAmbient(ctx, logger, ev, cmd, sender)
	}
	return nil
}

func (d *Dispatcher) toggleAmbient(ctx context.Context, logger zerolog.Logger, ev Event, cmd trigger.Command, sender Sender) error {
	if !(ev.IsAdmin || ev.IsSuperuser) {
		return nil
	}

	action := "禁用"
	toggle := d.settings.DisableAmbient
	if cmd.Enable {
		action = "启用"
		toggle = d.settings.EnableAmbient
	}

	scope, label := ev.GroupID, "当前群聊"
	if cmd.Arg != "" {
		if !ev.IsSuperuser {
			return nil
		}
		scope, label = cmd.Arg, "群聊 "+cmd.Arg+" "
	} else if !ev.IsGroup {
		return nil
	}

	changed, err := toggle(scope)
	if err != nil {
		logger.Error().Err(err).Str("scope", scope).Msg("persist ambient ban list failed")
	}
	if !changed {
		return sender.SendText(ctx, fmt.Sprintf("%s伪人模式不可重复 %s", label, action))
	}
	logger.Info().Str("scope", scope).Str("action", action).Msg("ambient mode toggled")
	return sender.SendText(ctx, fmt.Sprintf("%s已 %s 伪人模式", label, action))
}

func (d *Dispatcher) generateImage(ctx context.Context, prompt string, sender Sender) error {
	if prompt == "" {
		return sender.SendText(ctx, "你要画什么呢")
	}
	if !d.settings.HasCredentials() || d.media == nil {
		return sender.SendText(ctx, ai.MsgMissingAPIKey)
	}

	url, err := d.media.GenerateImage(ctx, prompt)
	if err != nil {
		return sender.SendText(ctx, fmt.Sprintf("错了：%v", err))
	}
	return sender.SendImage(ctx, url)
}

func (d *Dispatcher) generateVideo(ctx context.Context, logger zerolog.Logger, prompt string, sender Sender) error {
	if prompt == "" {
		return sender.SendText(ctx, "你要制作什么视频呢")
	}
	if !d.settings.HasCredentials() || d.media == nil {
		return sender.SendText(ctx, ai.MsgMissingAPIKey)
	}

	taskID, err := d.media.SubmitVideo(ctx, prompt)
	if err != nil {
		return sender.SendText(ctx, fmt.Sprintf("任务提交失败，e:%v", err))
	}
	if err := sender.SendText(ctx, "任务已提交,id: "+taskID); err != nil {
		return err
	}

	pollCtx := context.WithoutCancel(ctx)
	go func() {
		url, err := d.media.WaitVideo(pollCtx, taskID)
		switch {
		case err == nil:
			err = sender.SendVideo(pollCtx, url)
		case errors.Is(err, ai.ErrVideoTaskFailed):
			err = sender.SendText(pollCtx, "生成失败了.: .")
		default:
			err = sender.SendText(pollCtx, err.Error())
		}
		if err != nil {
			logger.Error().Err(err).Str("task", taskID).Msg("deliver video result failed")
		}
	}()
	return nil
}

func (d *Dispatcher) greet(ctx context.Context, ev Event, sender Sender) error {
	text := greetings[rand.IntN(len(greetings))]
	if text == greetings[2] {
		name := ev.SelfName
		if names := d.settings.Nicknames(); len(names) > 0 {
			name = names[0]
		}
		text = fmt.Sprintf(text, name)
	}
	if err := sender.SendText(ctx, text); err != nil {
		return err
	}

	if image := pickGreetingImage(d.settings.GreetingImageDir()); image != "" {
		return sender.SendImage(ctx, "file://"+image)
	}
	return nil
}

func pickGreetingImage(dir string) string {
	if dir == "" {
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("component", "dispatcher").Str("dir", dir).Msg("read greeting images failed")
		return ""
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	if len(files) == 0 {
		return ""
	}
	abs, err := filepath.Abs(filepath.Join(dir, files[rand.IntN(len(files))]))
	if err != nil {
		return ""
	}
	return abs
}

func (d *Dispatcher) describer() chat.ImageDescriber {
	if d.media == nil {
		return nil
	}
	return d.media
}

func hasImage(segments []chat.Segment) bool {
	for _, seg := range segments {
		if seg.Kind() == chat.SegmentImage {
			return true
		}
	}
	return false
}
