package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFetcher(t *testing.T) (*Fetcher, *Cipher, *SegmentCache) {
	t.Helper()
	c := newTestCipher(t)
	cache := NewSegmentCache(1<<20, time.Minute)
	f := NewFetcher(c, NewRewriter(c, "/proxy"), cache, testLogger(), 5*time.Second)
	return f, c, cache
}

func conceal(t *testing.T, c *Cipher, target string) string {
	t.Helper()
	ct, err := c.Conceal(target)
	if err != nil {
		t.Fatalf("Conceal: %v", err)
	}
	return ct
}

func TestFetcher_manifest_rewritten(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/live/index.m3u8" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nsegment001.ts\n"))
	}))
	defer srv.Close()

	f, c, _ := newTestFetcher(t)

	out, err := f.FetchManifest(context.Background(), conceal(t, c, srv.URL+"/live/index.m3u8"))
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	got := revealProxyURL(t, c, lines[2], "/proxy/segment?url=")
	if got != srv.URL+"/live/segment001.ts" {
		t.Errorf("rewritten segment url: %q", got)
	}
}

func TestFetcher_manifest_follows_redirect(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old/index.m3u8":
			http.Redirect(w, r, srvURL+"/new/index.m3u8", http.StatusFound)
		case "/new/index.m3u8":
			w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nsegment001.ts\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	f, c, _ := newTestFetcher(t)

	out, err := f.FetchManifest(context.Background(), conceal(t, c, srv.URL+"/old/index.m3u8"))
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}

	// Relative references must be rewritten against the post-redirect
	// location, not the original request URL.
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	got := revealProxyURL(t, c, lines[2], "/proxy/segment?url=")
	if got != srv.URL+"/new/segment001.ts" {
		t.Errorf("expected post-redirect base, got %q", got)
	}
}

func TestFetcher_manifest_relative_redirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a/index.m3u8":
			w.Header().Set("Location", "../b/index.m3u8")
			w.WriteHeader(http.StatusMovedPermanently)
		case "/b/index.m3u8":
			w.Write([]byte("#EXTM3U\nseg.ts\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f, c, _ := newTestFetcher(t)

	out, err := f.FetchManifest(context.Background(), conceal(t, c, srv.URL+"/a/index.m3u8"))
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	got := revealProxyURL(t, c, lines[1], "/proxy/segment?url=")
	if got != srv.URL+"/b/seg.ts" {
		t.Errorf("relative Location must resolve against request url: %q", got)
	}
}

func TestFetcher_manifest_redirect_loop(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srvURL+"/loop.m3u8", http.StatusFound)
	}))
	defer srv.Close()
	srvURL = srv.URL

	f, c, _ := newTestFetcher(t)

	_, err := f.FetchManifest(context.Background(), conceal(t, c, srv.URL+"/loop.m3u8"))
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Errorf("expected ErrTooManyRedirects, got %v", err)
	}
}

func TestFetcher_manifest_upstream_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f, c, _ := newTestFetcher(t)

	_, err := f.FetchManifest(context.Background(), conceal(t, c, srv.URL+"/x.m3u8"))
	var uerr *UpstreamError
	if !errors.As(err, &uerr) || uerr.Status != http.StatusForbidden {
		t.Errorf("expected UpstreamError 403, got %v", err)
	}
}

func TestFetcher_bad_ciphertext(t *testing.T) {
	f, _, _ := newTestFetcher(t)

	for _, call := range []func() error{
		func() error { _, err := f.FetchManifest(context.Background(), "garbage"); return err },
		func() error { _, _, _, err := f.FetchSegment(context.Background(), "garbage"); return err },
		func() error { _, err := f.FetchKey(context.Background(), "garbage"); return err },
	} {
		if err := call(); !errors.Is(err, ErrBadCiphertext) {
			t.Errorf("expected ErrBadCiphertext, got %v", err)
		}
	}
}

func TestFetcher_segment_cached_on_fetch(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	f, c, _ := newTestFetcher(t)
	ct := conceal(t, c, srv.URL+"/seg1.ts")

	data, contentType, cacheHit, err := f.FetchSegment(context.Background(), ct)
	if err != nil {
		t.Fatalf("FetchSegment: %v", err)
	}
	if cacheHit || !bytes.Equal(data, []byte("segment-bytes")) || contentType != "video/mp2t" {
		t.Errorf("first fetch: hit=%v data=%q type=%q", cacheHit, data, contentType)
	}

	data, contentType, cacheHit, err = f.FetchSegment(context.Background(), ct)
	if err != nil {
		t.Fatalf("second FetchSegment: %v", err)
	}
	if !cacheHit || !bytes.Equal(data, []byte("segment-bytes")) {
		t.Errorf("second fetch should be a cache hit: hit=%v data=%q", cacheHit, data)
	}
	if contentType != "video/mp2t" {
		t.Errorf("cache hit must carry the upstream content type: %q", contentType)
	}
	if hits != 1 {
		t.Errorf("origin should have been hit once, got %d", hits)
	}
}

func TestFetcher_segment_hit_keeps_fmp4_content_type(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("fmp4-bytes"))
	}))
	defer srv.Close()

	f, c, _ := newTestFetcher(t)
	ct := conceal(t, c, srv.URL+"/chunk_001.m4s")

	if _, _, _, err := f.FetchSegment(context.Background(), ct); err != nil {
		t.Fatalf("FetchSegment: %v", err)
	}

	_, contentType, cacheHit, err := f.FetchSegment(context.Background(), ct)
	if err != nil {
		t.Fatalf("second FetchSegment: %v", err)
	}
	if !cacheHit {
		t.Fatal("second fetch should be a cache hit")
	}
	if contentType != "video/mp4" {
		t.Errorf("fmp4 hit must not lose its content type: %q", contentType)
	}
}

func TestFetcher_key_bytes(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03, 0x04}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(key)
	}))
	defer srv.Close()

	f, c, _ := newTestFetcher(t)

	got, err := f.FetchKey(context.Background(), conceal(t, c, srv.URL+"/key1.bin"))
	if err != nil {
		t.Fatalf("FetchKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("key bytes: %v", got)
	}
}

func TestMaskURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://o.example/live/index.m3u8", "https://o.example/live/index.m3u8"},
		{"https://o.example/s.ts?token=secret123", "https://o.example/s.ts?token=%2A%2A%2A"},
		{"https://o.example/s.ts?Signature=abc&quality=720", "https://o.example/s.ts?Signature=%2A%2A%2A&quality=720"},
		{"://bad", "<unparsable url>"},
	}
	for _, tc := range cases {
		if got := MaskURL(tc.in); got != tc.want {
			t.Errorf("MaskURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
