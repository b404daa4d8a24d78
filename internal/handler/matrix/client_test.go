package matrix

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/zhouzirui/zhipu-toolkit/internal/handler/bot"
	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

const (
	self  = id.UserID("@zhenxun:example.org")
	alice = id.UserID("@alice:example.org")
	room  = id.RoomID("!room:example.org")
)

type fakeRoomAPI struct {
	members map[id.UserID]mautrix.JoinedMember
	levels  map[id.UserID]int
	sent    []*event.MessageEventContent
}

func (f *fakeRoomAPI) JoinedMembers(context.Context, id.RoomID) (*mautrix.RespJoinedMembers, error) {
	return &mautrix.RespJoinedMembers{Joined: f.members}, nil
}

func (f *fakeRoomAPI) StateEvent(_ context.Context, _ id.RoomID, _ event.Type, _ string, out interface{}) error {
	out.(*event.PowerLevelsEventContent).Users = f.levels
	return nil
}

func (f *fakeRoomAPI) SendMessageEvent(_ context.Context, _ id.RoomID, _ event.Type, content interface{}, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.sent = append(f.sent, content.(*event.MessageEventContent))
	return &mautrix.RespSendEvent{}, nil
}

type recordingHandler struct {
	events []bot.Event
}

func (h *recordingHandler) Handle(ctx context.Context, ev bot.Event, sender bot.Sender) error {
	h.events = append(h.events, ev)
	return sender.SendText(ctx, "收到")
}

func newTestClient(api *fakeRoomAPI, handler Handler) *Client {
	return &Client{api: api, userID: self, handler: handler, logger: zerolog.Nop()}
}

func message(sender id.UserID, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Sender:    sender,
		RoomID:    room,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func groupMembers() map[id.UserID]mautrix.JoinedMember {
	return map[id.UserID]mautrix.JoinedMember{
		self:               {DisplayName: "真寻"},
		alice:              {DisplayName: "爱丽丝"},
		"@bob:example.org": {DisplayName: "Bob"},
	}
}

func TestGroupRoomEvent(t *testing.T) {
	api := &fakeRoomAPI{members: groupMembers(), levels: map[id.UserID]int{alice: 100}}
	handler := &recordingHandler{}
	client := newTestClient(api, handler)

	client.handleEvent(context.Background(), message(alice, &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     "真寻 你好",
		Mentions: &event.Mentions{UserIDs: []id.UserID{self}},
	}))

	require.Len(t, handler.events, 1)
	ev := handler.events[0]
	assert.True(t, ev.IsGroup)
	assert.True(t, ev.ToMe)
	assert.True(t, ev.IsAdmin)
	assert.Equal(t, string(room), ev.GroupID)
	assert.Equal(t, "alice", ev.UserName)
	assert.Equal(t, "爱丽丝", ev.MemberNick)
	assert.Equal(t, "真寻", ev.SelfName)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "真寻 你好"}}, ev.Segments)

	require.Len(t, api.sent, 1)
	assert.Equal(t, "收到", api.sent[0].Body)
}

func TestDirectRoomIsPrivate(t *testing.T) {
	api := &fakeRoomAPI{members: map[id.UserID]mautrix.JoinedMember{self: {}, alice: {}}}
	handler := &recordingHandler{}
	client := newTestClient(api, handler)

	client.handleEvent(context.Background(), message(alice, &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}))

	require.Len(t, handler.events, 1)
	assert.False(t, handler.events[0].IsGroup)
	assert.True(t, handler.events[0].ToMe)
	assert.Empty(t, handler.events[0].GroupID)
}

func TestIgnoredEvents(t *testing.T) {
	api := &fakeRoomAPI{members: groupMembers()}
	handler := &recordingHandler{}
	client := newTestClient(api, handler)
	client.started = time.Now()
	ctx := context.Background()

	client.handleEvent(ctx, message(self, &event.MessageEventContent{MsgType: event.MsgText, Body: "echo"}))
	client.handleEvent(ctx, message(alice, &event.MessageEventContent{MsgType: event.MsgImage, Body: "a.png"}))

	old := message(alice, &event.MessageEventContent{MsgType: event.MsgText, Body: "昨天的消息"})
	old.Timestamp = client.started.Add(-time.Hour).UnixMilli()
	client.handleEvent(ctx, old)

	assert.Empty(t, handler.events)
}

func TestSendSegmentsMentions(t *testing.T) {
	api := &fakeRoomAPI{}
	sender := &target{api: api, roomID: room}

	require.NoError(t, sender.SendSegments(context.Background(), []chat.Segment{
		chat.MentionSegment{UserID: string(alice)},
		chat.TextSegment{Text: " 好的"},
	}))
	require.NoError(t, sender.SendSegments(context.Background(), []chat.Segment{chat.TextSegment{Text: "  "}}))

	require.Len(t, api.sent, 1)
	assert.Equal(t, "@alice:example.org 好的", api.sent[0].Body)
	assert.Equal(t, []id.UserID{alice}, api.sent[0].Mentions.UserIDs)
}
