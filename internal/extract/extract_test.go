package extract

import (
	"context"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/chat"
)

func TestFromMessage(t *testing.T) {
	tests := []struct {
		name string
		segs []chat.Segment
		want []string
	}{
		{
			name: "plain text",
			segs: []chat.Segment{chat.TextSegment("check this out https://www.bilibili.com/video/BV1xx411c7mD?p=1 lol")},
			want: []string{"https://www.bilibili.com/video/BV1xx411c7mD?p=1"},
		},
		{
			name: "no links",
			segs: []chat.Segment{chat.TextSegment("hello https://example.com/video")},
			want: nil,
		},
		{
			name: "case insensitive and subdomains",
			segs: []chat.Segment{chat.TextSegment("HTTPS://M.BILIBILI.COM/video/BV1 and http://b23.tv/abc")},
			want: []string{"HTTPS://M.BILIBILI.COM/video/BV1", "http://b23.tv/abc"},
		},
		{
			name: "deduplicated across segments",
			segs: []chat.Segment{
				chat.TextSegment("https://b23.tv/abc"),
				{Type: chat.SegmentShare, Data: map[string]any{"url": "https://b23.tv/abc"}},
			},
			want: []string{"https://b23.tv/abc"},
		},
		{
			name: "json card nested",
			segs: []chat.Segment{{Type: chat.SegmentJSON, Data: map[string]any{
				"data": `{"app":"com.tencent.miniapp_01","meta":{"detail_1":{"title":"哔哩哔哩","qqdocurl":"https:\/\/b23.tv\/xYz12"}}}`,
			}}},
			want: []string{"https://b23.tv/xYz12"},
		},
		{
			name: "json card content fallback",
			segs: []chat.Segment{{Type: chat.SegmentJSON, Data: map[string]any{
				"content": `{"news":{"jumpUrl":"https://www.bilibili.com/video/BV1ab"}}`,
			}}},
			want: []string{"https://www.bilibili.com/video/BV1ab"},
		},
		{
			name: "malformed json still raw-scanned",
			segs: []chat.Segment{{Type: chat.SegmentJSON, Data: map[string]any{
				"data": `{broken https://b23.tv/raw`,
			}}},
			want: []string{"https://b23.tv/raw"},
		},
		{
			name: "xml card",
			segs: []chat.Segment{{Type: chat.SegmentXML, Data: map[string]any{
				"data": `<msg url="https://www.bilibili.com/video/BV1xml"><item/></msg>`,
			}}},
			want: []string{"https://www.bilibili.com/video/BV1xml"},
		},
		{
			name: "deep link query parameter",
			segs: []chat.Segment{chat.TextSegment("mqqapi://card/show?url=https%3A%2F%2Fb23.tv%2Fdeep1")},
			want: []string{"https://b23.tv/deep1"},
		},
		{
			name: "deep link after other words",
			segs: []chat.Segment{chat.TextSegment("分享 mqqapi://card/show?url=https%3A%2F%2Fb23.tv%2Fdeep2")},
			want: []string{"https://b23.tv/deep2"},
		},
		{
			name: "deep link after a colon",
			segs: []chat.Segment{chat.TextSegment("看这个:mqqapi://card/show?src_type=web&jumpUrl=https%3A%2F%2Fwww.bilibili.com%2Fvideo%2FBV1c#frag")},
			want: []string{"https://www.bilibili.com/video/BV1c"},
		},
		{
			name: "unknown segment scanned via string form",
			segs: []chat.Segment{{Type: "forward", Data: map[string]any{"id": "https://b23.tv/fwd extra"}}},
			want: []string{"https://b23.tv/fwd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromMessage(&chat.Message{Kind: chat.KindGroup, Segments: tt.segs})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FromMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseAndStrings(t *testing.T) {
	v, err := Parse([]byte(`{"b":"first","a":[1,"second",{"k":"third"}],"n":null,"t":true}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if v.Kind != Object || len(v.Members) != 4 {
		t.Fatalf("Parse() = %+v", v)
	}
	got := Strings(v)
	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Strings() = %q, want %q", got, want)
	}

	for _, bad := range []string{``, `{"a":`, `[1,2`, `{} {}`} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Errorf("Parse(%q) should fail", bad)
		}
	}
}

// redirectTransport serves b23.tv with a redirect to bilibili.com. HEAD
// requests get 405 when headFails is set.
type redirectTransport struct {
	mu        sync.Mutex
	headFails bool
	fail      bool
	methods   []string
	referers  []string
}

func (rt *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.methods = append(rt.methods, req.Method+" "+req.URL.Host)
	rt.referers = append(rt.referers, req.Header.Get("Referer"))
	rt.mu.Unlock()

	if rt.fail {
		return nil, errors.New("network down")
	}
	resp := &http.Response{
		Header:  http.Header{},
		Body:    io.NopCloser(strings.NewReader("")),
		Request: req,
	}
	switch {
	case req.Method == http.MethodHead && rt.headFails:
		resp.StatusCode = http.StatusMethodNotAllowed
	case req.URL.Host == "b23.tv":
		resp.StatusCode = http.StatusFound
		resp.Header.Set("Location", "https://www.bilibili.com/video/BV1resolved?share=1")
	default:
		resp.StatusCode = http.StatusOK
	}
	return resp, nil
}

func TestResolver(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		headFails bool
		fail      bool
		want      string
		methods   []string
	}{
		{
			name:    "head follows redirect",
			in:      "https://b23.tv/abc",
			want:    "https://www.bilibili.com/video/BV1resolved?share=1",
			methods: []string{"HEAD b23.tv", "HEAD www.bilibili.com"},
		},
		{
			name:      "falls back to get",
			in:        "https://b23.tv/abc",
			headFails: true,
			want:      "https://www.bilibili.com/video/BV1resolved?share=1",
			methods:   []string{"HEAD b23.tv", "GET b23.tv", "GET www.bilibili.com"},
		},
		{
			name:    "total failure returns input",
			in:      "https://b23.tv/abc",
			fail:    true,
			want:    "https://b23.tv/abc",
			methods: []string{"HEAD b23.tv", "GET b23.tv"},
		},
		{
			name:    "non-short host untouched",
			in:      "https://www.bilibili.com/video/BV1",
			want:    "https://www.bilibili.com/video/BV1",
			methods: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &redirectTransport{headFails: tt.headFails, fail: tt.fail}
			r := NewResolver(&http.Client{Transport: rt}, time.Second, zerolog.Nop())

			if got := r.Resolve(context.Background(), tt.in); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
			if !reflect.DeepEqual(rt.methods, tt.methods) {
				t.Errorf("requests = %v, want %v", rt.methods, tt.methods)
			}
			if len(rt.referers) > 0 && rt.referers[0] != "https://www.bilibili.com/" {
				t.Errorf("Referer = %q", rt.referers[0])
			}
		})
	}
}

func TestIsShortLink(t *testing.T) {
	for in, want := range map[string]bool{
		"https://b23.tv/x":           true,
		"https://WWW.B23.TV/x":       true,
		"https://www.bilibili.com/x": false,
		"https://evil.b23.tv.com/x":  false,
		"::not a url":                false,
	} {
		if got := IsShortLink(in); got != want {
			t.Errorf("IsShortLink(%q) = %v, want %v", in, got, want)
		}
	}
}
