package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

func TestSplitReplySentences(t *testing.T) {
	pieces := SplitReply("你好。今天怎么样？我很好！")

	require.Len(t, pieces, 3)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "你好"}}, pieces[0].Segments)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "今天怎么样？"}}, pieces[1].Segments)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "我很好"}}, pieces[2].Segments)
	assert.Equal(t, 400*time.Millisecond, pieces[0].Delay)
}

func TestSplitReplyAtMostThreeSplits(t *testing.T) {
	pieces := SplitReply("一。二。三。四。五")

	require.Len(t, pieces, 4)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "四。五"}}, pieces[3].Segments)
}

func TestSplitReplyKeepsHalfWidthQuestion(t *testing.T) {
	pieces := SplitReply("真的?。好")

	require.Len(t, pieces, 1)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "真的?。好"}}, pieces[0].Segments)
}

func TestSplitReplyDropsBlankPieces(t *testing.T) {
	pieces := SplitReply("\n\n好的\n")
	require.Len(t, pieces, 1)
	assert.Equal(t, []chat.Segment{chat.TextSegment{Text: "好的"}}, pieces[0].Segments)
}

func TestSplitReplyMentionsAndDelayCap(t *testing.T) {
	pieces := SplitReply("@10001 " + strings.Repeat("哈", 30))

	require.Len(t, pieces, 1)
	require.Len(t, pieces[0].Segments, 2)
	assert.Equal(t, chat.MentionSegment{UserID: "10001"}, pieces[0].Segments[0])
	assert.Equal(t, maxPieceDelay, pieces[0].Delay)
}
