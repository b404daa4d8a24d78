package bot

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

const (
	maxReplySplits = 3
	perRuneDelay   = 200 * time.Millisecond
	maxPieceDelay  = 3 * time.Second
	fullWidthQuery = '？'
	halfWidthQuery = '?'
)

// Piece 是拆分后的一段回复，发送后等待 Delay 再发下一段。
type Piece struct {
	Segments []chat.Segment
	Delay    time.Duration
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', fullWidthQuery, '！', '\n':
		return true
	}
	return false
}

// SplitReply 按句末标点把回复拆成至多四段，模拟真人分条发送。
// 紧挨半角问号的标点不拆；以全角问号结尾的句子保留问号。
func SplitReply(text string) []Piece {
	runes := []rune(text)

	type raw struct {
		text  string
		delim rune
	}
	var parts []raw
	start := 0
	for i := 0; i < len(runes) && len(parts) < maxReplySplits; i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		if i > 0 && runes[i-1] == halfWidthQuery {
			continue
		}
		if i+1 < len(runes) && runes[i+1] == halfWidthQuery {
			continue
		}
		parts = append(parts, raw{text: string(runes[start:i]), delim: runes[i]})
		start = i + 1
	}
	parts = append(parts, raw{text: string(runes[start:])})

	var pieces []Piece
	for _, part := range parts {
		if strings.TrimSpace(part.text) == "" {
			continue
		}
		piece := part.text
		if part.delim == fullWidthQuery {
			piece += string(fullWidthQuery)
		}
		delay := time.Duration(utf8.RuneCountInString(piece)) * perRuneDelay
		if delay > maxPieceDelay {
			delay = maxPieceDelay
		}
		pieces = append(pieces, Piece{Segments: chat.ParseMentions(piece), Delay: delay})
	}
	return pieces
}
