package util

import "net/http"

const (
	BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"
	BilibiliReferer = "https://www.bilibili.com/"
	BilibiliOrigin  = "https://www.bilibili.com"
)

// BrowserHeaders returns the desktop-browser header set bilibili expects.
// Requests without a Referer are often rejected with HTTP 412.
func BrowserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", BrowserUserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("Referer", BilibiliReferer)
	h.Set("Origin", BilibiliOrigin)
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Dest", "document")
	return h
}
