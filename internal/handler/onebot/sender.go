package onebot

import (
	"context"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

// target 把回复发回事件来源：有群号时发群消息，否则私聊。
type target struct {
	client  *Client
	groupID string
	userID  string
}

func (t *target) SendText(ctx context.Context, text string) error {
	return t.send(ctx, []outSegment{textSegment(text)})
}

func (t *target) SendSegments(ctx context.Context, segments []chat.Segment) error {
	out := toOutSegments(segments)
	if len(out) == 0 {
		return nil
	}
	return t.send(ctx, out)
}

func (t *target) SendImage(ctx context.Context, url string) error {
	return t.send(ctx, []outSegment{{Type: "image", Data: map[string]string{"file": url}}})
}

func (t *target) SendVideo(ctx context.Context, url string) error {
	return t.send(ctx, []outSegment{{Type: "video", Data: map[string]string{"file": url}}})
}

func (t *target) send(ctx context.Context, message []outSegment) error {
	if t.groupID != "" {
		gid, err := parseID(t.groupID)
		if err != nil {
			return err
		}
		_, err = t.client.Call(ctx, "send_group_msg", map[string]any{"group_id": gid, "message": message})
		return err
	}

	uid, err := parseID(t.userID)
	if err != nil {
		return err
	}
	_, err = t.client.Call(ctx, "send_private_msg", map[string]any{"user_id": uid, "message": message})
	return err
}
