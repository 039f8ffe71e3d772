package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseCookiePairs(t *testing.T) {
	got := ParseCookiePairs(" ;SESSDATA=abc%2C1=x; bili_jct = y ; junk; =nokey; empty=; buvid3=z; ")
	want := []CookiePair{
		{"SESSDATA", "abc%2C1=x"},
		{"bili_jct", "y"},
		{"buvid3", "z"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseCookiePairs() = %+v, want %+v", got, want)
	}
}

func TestWriteCookieJar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bili_cookies.txt")
	now := time.Unix(1700000000, 0)

	got, err := WriteCookieJar(path, "SESSDATA=abc; bili_jct=def", now)
	if err != nil {
		t.Fatalf("WriteCookieJar() error = %v", err)
	}
	if got != path {
		t.Errorf("WriteCookieJar() = %q, want %q", got, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	expiry := now.Add(CookieLifetime).Unix()
	want := "# Netscape HTTP Cookie File\n" +
		"# This file was generated by bili2mp4\n" +
		"\n" +
		fmt.Sprintf(".bilibili.com\tTRUE\t/\tFALSE\t%d\tSESSDATA\tabc\n", expiry) +
		fmt.Sprintf(".bilibili.com\tTRUE\t/\tFALSE\t%d\tbili_jct\tdef\n", expiry)
	if string(data) != want {
		t.Errorf("jar contents:\n%q\nwant:\n%q", data, want)
	}

	// no usable pairs leaves the jar alone
	got, err = WriteCookieJar(path, "garbage", now)
	if err != nil || got != "" {
		t.Errorf("WriteCookieJar(garbage) = %q, %v", got, err)
	}
	if !FileExists(path) {
		t.Error("jar should survive a cookie with no pairs")
	}

	// empty cookie removes it
	got, err = WriteCookieJar(path, "  ; ", now)
	if err != nil || got != "" {
		t.Errorf("WriteCookieJar(empty) = %q, %v", got, err)
	}
	if FileExists(path) {
		t.Error("jar should be removed for an empty cookie")
	}

	// removing a missing jar is fine
	if err := RemoveCookieJar(path); err != nil {
		t.Errorf("RemoveCookieJar() error = %v", err)
	}
}

func TestWriteFileAtomic_Concurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- WriteFileAtomic(path, []byte(fmt.Sprintf("writer %d\n", i)), 0644)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("WriteFileAtomic() error = %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil || !strings.HasPrefix(string(data), "writer ") {
		t.Errorf("final contents = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the target", len(entries))
	}
}

func TestProxyArgs(t *testing.T) {
	if args := ProxyArgs(""); args != nil {
		t.Errorf("ProxyArgs(\"\") = %v, want nil", args)
	}
	if args := ProxyArgs(" socks5://127.0.0.1:1080 "); !reflect.DeepEqual(args, []string{"--proxy", "socks5://127.0.0.1:1080"}) {
		t.Errorf("ProxyArgs() = %v", args)
	}

	pool := map[string]bool{"http://a:1": true, "http://b:2": true}
	for i := 0; i < 20; i++ {
		if p := PickProxy("http://a:1, http://b:2,"); !pool[p] {
			t.Fatalf("PickProxy() = %q, not in pool", p)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"https://www.bilibili.com/video/BV1xx411c7mD", nil},
		{"http://b23.tv/abc", nil},
		{"", ErrEmptyURL},
		{"https://b23.tv/" + strings.Repeat("a", MaxURLLength), ErrURLTooLong},
		{"ftp://bilibili.com/x", ErrUnsupportedURL},
		{"not a url", ErrInvalidURL},
		{"http://127.0.0.1/x", ErrPrivateURL},
		{"http://localhost/x", ErrPrivateURL},
		{"http://[::1]/x", ErrPrivateURL},
	}

	for _, tt := range tests {
		if err := ValidateURL(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("ValidateURL(%q) = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestSummarizeFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, "Download cancelled"},
		{errors.New("ERROR: [BiliBili] BV1: HTTP Error 412: Precondition Failed"), "Bilibili rejected the request (HTTP 412), try setting a cookie"},
		{errors.New("ERROR: Requested format is not available"), "No format matched the quality and size limits"},
		{errors.New("ERROR: [BiliBili] BV1: HTTP Error 404: Not Found"), "Video not found, it may have been deleted"},
		{errors.New("something odd\nwith details"), "something odd"},
	}

	for _, tt := range tests {
		if got := SummarizeFailure(tt.err); got != tt.want {
			t.Errorf("SummarizeFailure(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCleanupStale(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old [BV1].mp4")
	fresh := filepath.Join(dir, "fresh [BV2].mp4")
	os.WriteFile(old, []byte("x"), 0644)
	os.WriteFile(fresh, []byte("x"), 0644)
	past := time.Now().Add(-3 * time.Hour)
	os.Chtimes(old, past, past)

	if n := CleanupStale(dir, 2*time.Hour, zerolog.Nop()); n != 1 {
		t.Errorf("CleanupStale() removed %d, want 1", n)
	}
	if FileExists(old) || !FileExists(fresh) {
		t.Error("only the stale file should be removed")
	}

	missing := filepath.Join(dir, "sub")
	CleanupStale(missing, time.Hour, zerolog.Nop())
	if info, err := os.Stat(missing); err != nil || !info.IsDir() {
		t.Error("missing dir should be created")
	}
}

func TestFindNewestContaining(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a [BV1abc].flv")
	newer := filepath.Join(dir, "a [BV1abc].mp4")
	os.WriteFile(older, []byte("x"), 0644)
	os.WriteFile(newer, []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "a [BV1abc].mp4.part"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "other [BV9].mp4"), []byte("x"), 0644)
	past := time.Now().Add(-time.Minute)
	os.Chtimes(older, past, past)

	got, err := FindNewestContaining(dir, "BV1abc")
	if err != nil {
		t.Fatal(err)
	}
	if got != newer {
		t.Errorf("FindNewestContaining() = %q, want %q", got, newer)
	}

	if _, err := FindNewestContaining(dir, "BVnone"); err == nil {
		t.Error("expected error for no match")
	}
}

func TestLocateFFmpeg_ConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	ff := filepath.Join(dir, exeName("ffmpeg"))
	os.WriteFile(ff, []byte("#!/bin/sh\n"), 0755)

	loc := LocateFFmpeg(dir)
	if loc.FFmpeg != ff || loc.Dir != dir || !loc.Available() {
		t.Errorf("LocateFFmpeg() = %+v", loc)
	}
}

func TestCheckDependencies_MissingTools(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	report := CheckDependencies(context.Background(), "yt-dlp-does-not-exist", t.TempDir(), time.Second)
	if report.YtDlp.Available() || report.YtDlp.Error != "not found" {
		t.Errorf("yt-dlp = %+v", report.YtDlp)
	}
	if report.FFmpeg.Available() {
		t.Errorf("ffmpeg = %+v", report.FFmpeg)
	}
	report.Log(zerolog.Nop())
}

func TestBrowserHeaders(t *testing.T) {
	h := BrowserHeaders()
	if h.Get("Referer") != BilibiliReferer || h.Get("User-Agent") != BrowserUserAgent {
		t.Errorf("BrowserHeaders() = %v", h)
	}
}
