package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/util"
)

const DefaultResolveTimeout = 8 * time.Second

// ShortHosts are the hosts whose links are redirects to bilibili.com.
var ShortHosts = map[string]bool{
	"b23.tv":     true,
	"www.b23.tv": true,
}

// IsShortLink reports whether raw points at a short-link host.
func IsShortLink(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return ShortHosts[strings.ToLower(u.Hostname())]
}

// Resolver expands short links by following their redirects.
type Resolver struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewResolver returns a Resolver using client, or http.DefaultClient when
// client is nil.
func NewResolver(client *http.Client, timeout time.Duration, logger zerolog.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Resolver{
		client:  client,
		timeout: timeout,
		logger:  logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the final URL a short link redirects to. Other links,
// and short links that cannot be followed, are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, raw string) string {
	if !IsShortLink(raw) {
		return raw
	}

	final, err := r.follow(ctx, http.MethodHead, raw)
	if err != nil {
		r.logger.Debug().Err(err).Str("url", raw).Msg("HEAD failed, retrying with GET")
		final, err = r.follow(ctx, http.MethodGet, raw)
	}
	if err != nil {
		r.logger.Debug().Err(err).Str("url", raw).Msg("short link expansion failed, using original")
		return raw
	}
	if final == "" {
		return raw
	}
	return final
}

func (r *Resolver) follow(ctx context.Context, method, raw string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, raw, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", util.BrowserUserAgent)
	req.Header.Set("Referer", util.BilibiliReferer)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s %s: HTTP %d", method, raw, resp.StatusCode)
	}
	return resp.Request.URL.String(), nil
}
