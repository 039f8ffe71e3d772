package util

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

const MaxURLLength = 2048

var (
	ErrEmptyURL       = errors.New("URL is required")
	ErrURLTooLong     = errors.New("URL is too long")
	ErrInvalidURL     = errors.New("invalid URL format")
	ErrUnsupportedURL = errors.New("only HTTP/HTTPS URLs are allowed")
	ErrPrivateURL     = errors.New("private/local URLs are not allowed")
)

// ValidateURL rejects anything yt-dlp should not be pointed at. Hostnames
// are not resolved; only literal addresses are checked for private ranges.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return ErrEmptyURL
	}
	if len(rawURL) > MaxURLLength {
		return ErrURLTooLong
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrUnsupportedURL
	}
	if isPrivateHost(strings.ToLower(parsed.Hostname())) {
		return ErrPrivateURL
	}
	return nil
}

var privateNets []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"0.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, _ := net.ParseCIDR(cidr)
		privateNets = append(privateNets, network)
	}
}

func isPrivateHost(hostname string) bool {
	if hostname == "" || hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	if ip == nil {
		return false
	}
	for _, network := range privateNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
