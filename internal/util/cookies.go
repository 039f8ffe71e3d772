package util

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// CookieLifetime is the expiry written for every jar entry.
const CookieLifetime = 180 * 24 * time.Hour

const cookieJarHeader = "# Netscape HTTP Cookie File\n" +
	"# This file was generated by bili2mp4\n" +
	"\n"

type CookiePair struct {
	Name  string
	Value string
}

// ParseCookiePairs splits a browser cookie header ("a=1; b=2") into pairs.
// Entries without '=' or with an empty name or value are skipped.
func ParseCookiePairs(cookie string) []CookiePair {
	cookie = strings.Trim(strings.TrimSpace(cookie), ";")

	var pairs []CookiePair
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		pairs = append(pairs, CookiePair{Name: k, Value: v})
	}
	return pairs
}

// WriteCookieJar converts cookie into a Netscape cookie file at path for
// yt-dlp's --cookies flag and returns path. An empty cookie removes any
// stale jar and returns "". A cookie with no usable pairs returns "" and
// leaves the file alone.
func WriteCookieJar(path, cookie string, now time.Time) (string, error) {
	if strings.Trim(strings.TrimSpace(cookie), ";") == "" {
		return "", RemoveCookieJar(path)
	}

	pairs := ParseCookiePairs(cookie)
	if len(pairs) == 0 {
		return "", nil
	}

	expiry := now.Add(CookieLifetime).Unix()
	var b strings.Builder
	b.WriteString(cookieJarHeader)
	for _, p := range pairs {
		fmt.Fprintf(&b, ".bilibili.com\tTRUE\t/\tFALSE\t%d\t%s\t%s\n", expiry, p.Name, p.Value)
	}

	if err := WriteFileAtomic(path, []byte(b.String()), 0600); err != nil {
		return "", fmt.Errorf("write cookie jar: %w", err)
	}
	return path, nil
}

func RemoveCookieJar(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cookie jar: %w", err)
	}
	return nil
}
