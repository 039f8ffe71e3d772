// Package chat is the boundary to the chat platform: inbound message events
// made of typed segments, and outbound text replies and video posts.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	KindGroup Kind = iota + 1
	KindPrivate
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindPrivate:
		return "private"
	}
	return "unknown"
}

// Segment types understood by the extractor. Anything else is scanned via
// Segment.String.
const (
	SegmentText  = "text"
	SegmentJSON  = "json"
	SegmentXML   = "xml"
	SegmentShare = "share"
	SegmentVideo = "video"
)

type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Data: map[string]any{"text": text}}
}

// Str returns Data[key] as a string. Numbers and booleans are formatted.
func (s Segment) Str(key string) string {
	v, ok := s.Data[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// String renders the segment in CQ-code form, e.g. [CQ:share,url=...].
func (s Segment) String() string {
	if s.Type == SegmentText {
		return s.Str("text")
	}
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[CQ:")
	b.WriteString(s.Type)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(cqEscape(s.Str(k)))
	}
	b.WriteString("]")
	return b.String()
}

var cqEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")

func cqEscape(s string) string {
	return cqEscaper.Replace(s)
}

// Message is one inbound chat event.
type Message struct {
	Kind     Kind
	SelfID   int64
	UserID   int64
	GroupID  int64
	Segments []Segment

	// ChannelID is a backend routing hint for replies (Discord DM channel).
	ChannelID string
}

// PlainText concatenates the text segments.
func (m *Message) PlainText() string {
	var b strings.Builder
	for _, seg := range m.Segments {
		if seg.Type == SegmentText {
			b.WriteString(seg.Str("text"))
		}
	}
	return b.String()
}

// Handler receives inbound messages. Implementations must not block for long.
type Handler func(ctx context.Context, msg *Message)

// Client is a connected chat backend.
type Client interface {
	// Run delivers inbound messages to h until ctx is done or the
	// connection fails.
	Run(ctx context.Context, h Handler) error
	// SendText replies to the conversation msg came from.
	SendText(ctx context.Context, msg *Message, text string) error
	// SendGroupVideo uploads the local file at path to the group.
	SendGroupVideo(ctx context.Context, groupID int64, path, caption string) error
	Close() error
}
