package util

import (
	"context"
	"errors"
	"strings"
)

// SummarizeFailure turns a download error into a short reason for logs and
// operator alerts.
func SummarizeFailure(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "Download cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Download timed out"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "412") || strings.Contains(msg, "precondition failed"):
		return "Bilibili rejected the request (HTTP 412), try setting a cookie"
	case strings.Contains(msg, "大会员") || strings.Contains(msg, "premium") || strings.Contains(msg, "members only"):
		return "This video requires a Bilibili premium membership"
	case strings.Contains(msg, "login") || strings.Contains(msg, "登录"):
		return "Bilibili requires login for this video, set a cookie"
	case strings.Contains(msg, "geo") || strings.Contains(msg, "not available in your country") || strings.Contains(msg, "地区"):
		return "This video isn't available in the server's region"
	case strings.Contains(msg, "http error 404") || strings.Contains(msg, "404 not found") || strings.Contains(msg, "啊叻"):
		return "Video not found, it may have been deleted"
	case strings.Contains(msg, "http error 403") || strings.Contains(msg, "403 forbidden"):
		return "Access denied, the site is blocking downloads"
	case strings.Contains(msg, "requested format is not available") || strings.Contains(msg, "requested format not available") || strings.Contains(msg, "no video formats"):
		return "No format matched the quality and size limits"
	case strings.Contains(msg, "unsupported url"):
		return "This link isn't a downloadable video"
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return "Connection timed out"
	case strings.Contains(msg, "connection") && !strings.Contains(msg, "connected"):
		return "Connection dropped"
	case strings.Contains(msg, "no space left"):
		return "Out of disk space"
	case strings.Contains(msg, "executable file not found"):
		return "yt-dlp is not installed"
	}

	first := strings.TrimSpace(strings.SplitN(err.Error(), "\n", 2)[0])
	if len(first) > 200 {
		first = first[:200] + "..."
	}
	return first
}
