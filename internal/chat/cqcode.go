package chat

import (
	"strings"
)

var cqUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")

// ParseCQString splits a string-format OneBot message into segments. Plain
// runs become text segments; [CQ:type,k=v,...] codes become typed segments.
func ParseCQString(s string) []Segment {
	var segs []Segment
	for len(s) > 0 {
		start := strings.Index(s, "[CQ:")
		if start < 0 {
			segs = append(segs, TextSegment(cqUnescaper.Replace(s)))
			break
		}
		end := strings.Index(s[start:], "]")
		if end < 0 {
			segs = append(segs, TextSegment(cqUnescaper.Replace(s)))
			break
		}
		end += start

		if start > 0 {
			segs = append(segs, TextSegment(cqUnescaper.Replace(s[:start])))
		}
		segs = append(segs, parseCQCode(s[start+4:end]))
		s = s[end+1:]
	}
	return segs
}

func parseCQCode(body string) Segment {
	parts := strings.Split(body, ",")
	seg := Segment{Type: parts[0], Data: make(map[string]any, len(parts)-1)}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		seg.Data[k] = cqUnescaper.Replace(v)
	}
	return seg
}
