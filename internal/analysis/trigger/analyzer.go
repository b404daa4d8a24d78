// Package trigger 判断一条消息是否在和机器人说话，以及是否是插件命令。
package trigger

import (
	"regexp"
	"strings"
)

// Reason 说明消息为何被判定为对机器人说话。
type Reason string

const (
	None     Reason = ""
	Direct   Reason = "direct"
	Nickname Reason = "nickname"
)

// Decision 是触发判定结果。
type Decision struct {
	ToMe     bool
	Reason   Reason
	Nickname string
}

// IsToMe 在消息提到任一昵称或平台已标记为 @/私聊 时返回 true。
func IsToMe(text string, nicknames []string, directed bool) Decision {
	for _, name := range nicknames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.Contains(text, name) {
			return Decision{ToMe: true, Reason: Nickname, Nickname: name}
		}
	}
	if directed {
		return Decision{ToMe: true, Reason: Direct}
	}
	return Decision{}
}

// CommandKind 是插件命令类型。
type CommandKind int

const (
	NoCommand CommandKind = iota
	GenerateImage
	GenerateVideo
	ClearMine
	ClearAll
	ClearGroup
	ToggleAmbient
)

// Command 是解析出的命令。
type Command struct {
	Kind CommandKind
	// Arg 是生成类命令的提示词，或伪人开关命令中的群号。
	Arg string
	// Enable 仅对 ToggleAmbient 有意义。
	Enable bool
}

var prefixCommands = map[string]CommandKind{
	"生成图片": GenerateImage,
	"生成视频": GenerateVideo,
}

var exactCommands = map[string]CommandKind{
	"清理我的会话": ClearMine,
	"清理全部会话": ClearAll,
	"清理群会话":  ClearGroup,
}

var ambientToggle = regexp.MustCompile(`^(启用|禁用)伪人模式(?:\s*(\d+))?$`)

// ParseCommand 识别命令；非命令返回 Kind 为 NoCommand。
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}
	}

	if kind, ok := exactCommands[text]; ok {
		return Command{Kind: kind}
	}

	for prefix, kind := range prefixCommands {
		if rest, ok := strings.CutPrefix(text, prefix); ok {
			return Command{Kind: kind, Arg: strings.TrimSpace(rest)}
		}
	}

	if m := ambientToggle.FindStringSubmatch(text); m != nil {
		return Command{Kind: ToggleAmbient, Enable: m[1] == "启用", Arg: m[2]}
	}
	return Command{}
}
