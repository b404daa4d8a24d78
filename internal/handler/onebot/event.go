package onebot

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// id 兼容数字与字符串两种写法的 QQ 号、群号。
type id string

func (i *id) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*i = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = id(s)
		return nil
	}
	*i = id(data)
	return nil
}

func parseID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, errors.Wrapf(err, "parse onebot id %q", s)
}

type rawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	MetaEventType string          `json:"meta_event_type"`
	SelfID        id              `json:"self_id"`
	UserID        id              `json:"user_id"`
	GroupID       id              `json:"group_id"`
	Message       json.RawMessage `json:"message"`
	Sender        rawSender       `json:"sender"`
	Echo          string          `json:"echo"`
}

type rawSender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

type rawSegment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
		QQ   id     `json:"qq"`
		URL  string `json:"url"`
		File string `json:"file"`
	} `json:"data"`
}

// parseSegments 解析消息段。@ 机器人自身的段被去掉并返回 mentioned=true；
// 字符串格式的消息按纯文本处理。
func parseSegments(raw json.RawMessage, selfID string) (segments []chat.Segment, mentioned bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, false
		}
		return []chat.Segment{chat.TextSegment{Text: text}}, false
	}

	var items []rawSegment
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	for _, item := range items {
		switch item.Type {
		case "text":
			segments = append(segments, chat.TextSegment{Text: item.Data.Text})
		case "at":
			qq := string(item.Data.QQ)
			if selfID != "" && qq == selfID {
				mentioned = true
				continue
			}
			segments = append(segments, chat.MentionSegment{UserID: qq})
		case "image":
			url := item.Data.URL
			if url == "" {
				url = item.Data.File
			}
			segments = append(segments, chat.ImageSegment{URL: url})
		}
	}
	return segments, mentioned
}

type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

type apiResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

func (r apiResponse) message() string {
	if r.Wording != "" {
		return r.Wording
	}
	return r.Message
}

type outSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

func textSegment(text string) outSegment {
	return outSegment{Type: "text", Data: map[string]string{"text": text}}
}

func toOutSegments(segments []chat.Segment) []outSegment {
	out := make([]outSegment, 0, len(segments))
	for _, segment := range segments {
		switch seg := segment.(type) {
		case chat.TextSegment:
			if strings.TrimSpace(seg.Text) == "" && len(segments) > 1 {
				continue
			}
			out = append(out, textSegment(seg.Text))
		case chat.MentionSegment:
			out = append(out, outSegment{Type: "at", Data: map[string]string{"qq": seg.UserID}})
		case chat.ImageSegment:
			out = append(out, outSegment{Type: "image", Data: map[string]string{"file": seg.URL}})
		}
	}
	return out
}
