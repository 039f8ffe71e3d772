// Package extract finds bilibili video links in chat messages, including
// links buried in mini-program cards and app deep-link query strings.
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bili2mp4/bili2mp4/internal/chat"
)

// URLPattern matches bilibili.com (any subdomain) and b23.tv links.
var URLPattern = regexp.MustCompile(`(?i)https?://(?:[\w-]+\.)?(?:bilibili\.com|b23\.tv)/[^\s"'<>]+`)

// Deep-link query parameters that may carry an encoded target URL.
var queryKeys = []string{"url", "qqdocurl", "jumpUrl", "webpageUrl"}

// urlSet is an insertion-ordered set.
type urlSet struct {
	seen map[string]bool
	list []string
}

func (s *urlSet) add(urls ...string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	for _, u := range urls {
		if !s.seen[u] {
			s.seen[u] = true
			s.list = append(s.list, u)
		}
	}
}

// FromMessage returns the distinct bilibili URLs in msg, in the order they
// appear. Malformed payloads are skipped.
func FromMessage(msg *chat.Message) []string {
	var set urlSet
	for _, seg := range msg.Segments {
		fromSegment(&set, seg)
	}
	return set.list
}

func fromSegment(set *urlSet, seg chat.Segment) {
	switch seg.Type {
	case chat.SegmentText:
		set.add(FindURLs(seg.Str("text"))...)
	case chat.SegmentJSON:
		raw := cardPayload(seg)
		set.add(FindURLs(raw)...)
		if v, err := Parse([]byte(raw)); err == nil {
			for _, s := range Strings(v) {
				set.add(FindURLs(s)...)
			}
		}
	case chat.SegmentXML:
		set.add(FindURLs(cardPayload(seg))...)
	case chat.SegmentShare:
		set.add(FindURLs(seg.Str("url"))...)
	default:
		set.add(FindURLs(seg.String())...)
	}
}

func cardPayload(seg chat.Segment) string {
	if s := seg.Str("data"); s != "" {
		return s
	}
	return seg.Str("content")
}

// FindURLs scans text for bilibili URLs. Deep-link query parameters found
// after the first '?' are decoded and scanned too, even when other words
// precede the link.
func FindURLs(text string) []string {
	var set urlSet
	set.add(URLPattern.FindAllString(text, -1)...)

	raw := rawQuery(text)
	if raw == "" {
		return set.list
	}
	query, err := url.ParseQuery(raw)
	if err != nil && len(query) == 0 {
		return set.list
	}
	for _, key := range queryKeys {
		for _, v := range query[key] {
			if decoded, err := url.QueryUnescape(v); err == nil {
				v = decoded
			}
			set.add(URLPattern.FindAllString(v, -1)...)
		}
	}
	return set.list
}

// rawQuery returns the text between the first '?' and the following '#'.
func rawQuery(text string) string {
	i := strings.IndexByte(text, '?')
	if i < 0 {
		return ""
	}
	q := text[i+1:]
	if j := strings.IndexByte(q, '#'); j >= 0 {
		q = q[:j]
	}
	return q
}
