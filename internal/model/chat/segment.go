package chat

import (
	"context"
	"regexp"
	"strings"
)

// SegmentKind tags the payload carried by a Segment.
type SegmentKind string

const (
	SegmentText    SegmentKind = "text"
	SegmentMention SegmentKind = "mention"
	SegmentImage   SegmentKind = "image"
)

// Segment is one part of an inbound or outbound chat message.
type Segment interface {
	Kind() SegmentKind
}

// TextSegment is plain text.
type TextSegment struct {
	Text string
}

// MentionSegment addresses a user by platform id.
type MentionSegment struct {
	UserID string
}

// ImageSegment references a picture by URL.
type ImageSegment struct {
	URL string
}

func (TextSegment) Kind() SegmentKind    { return SegmentText }
func (MentionSegment) Kind() SegmentKind { return SegmentMention }
func (ImageSegment) Kind() SegmentKind   { return SegmentImage }

// ImageDescriber turns an image URL into a short caption. Failures should
// yield an empty caption rather than an error.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, url string) string
}

const (
	qqMultimediaHTTPS = "https://multimedia.nt.qq.com.cn"
	qqMultimediaHTTP  = "http://multimedia.nt.qq.com.cn"
)

// RenderSegments flattens segments into the prompt text sent upstream.
// describer may be nil, in which case images render with an empty caption.
func RenderSegments(ctx context.Context, segments []Segment, describer ImageDescriber) string {
	var builder strings.Builder
	for _, segment := range segments {
		switch seg := segment.(type) {
		case TextSegment:
			builder.WriteString(seg.Text)
		case MentionSegment:
			builder.WriteString("@")
			builder.WriteString(seg.UserID)
			builder.WriteString(" ")
		case ImageSegment:
			url := strings.Replace(seg.URL, qqMultimediaHTTPS, qqMultimediaHTTP, 1)
			description := ""
			if describer != nil {
				description = describer.DescribeImage(ctx, url)
			}
			builder.WriteString("\n![")
			builder.WriteString(description)
			builder.WriteString("]\n(")
			builder.WriteString(url)
			builder.WriteString(")")
		}
	}
	return builder.String()
}

// PlainText joins only the text segments, trimmed.
func PlainText(segments []Segment) string {
	var builder strings.Builder
	for _, segment := range segments {
		if text, ok := segment.(TextSegment); ok {
			builder.WriteString(text.Text)
		}
	}
	return strings.TrimSpace(builder.String())
}

var mentionPattern = regexp.MustCompile(`@(\d+)`)

// ParseMentions converts "@123" runs in a model reply into mention segments.
// A single trailing "。" is dropped.
func ParseMentions(message string) []Segment {
	message = strings.TrimSuffix(message, "。")

	var segments []Segment
	last := 0
	for _, loc := range mentionPattern.FindAllStringSubmatchIndex(message, -1) {
		if loc[0] > last {
			segments = append(segments, TextSegment{Text: message[last:loc[0]]})
		}
		segments = append(segments, MentionSegment{UserID: message[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(message) {
		segments = append(segments, TextSegment{Text: message[last:]})
	}
	return segments
}
