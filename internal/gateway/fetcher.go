package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrBadCiphertext is returned when a proxy request carries a ciphertext
	// URL that fails authentication. Treated as hostile input, never retried.
	ErrBadCiphertext = errors.New("bad ciphertext url")

	// ErrTooManyRedirects is returned when an origin keeps redirecting the
	// manifest fetch past the hop cap.
	ErrTooManyRedirects = errors.New("too many upstream redirects")
)

// UpstreamError reports a non-success status from the origin.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

const (
	fetchTimeout = 30 * time.Second

	// maxManifestRedirects caps the manifest redirect recursion so a
	// misbehaving or malicious origin cannot drive it unbounded.
	maxManifestRedirects = 5

	fetchUserAgent = "Mozilla/5.0"
)

// Fetcher performs upstream fetches for manifests, segments, and keys. It
// reveals the concealed target, applies bounded timeouts, follows manifest
// redirects by re-entering the manifest path against the redirect target,
// and feeds results to the Rewriter and SegmentCache.
type Fetcher struct {
	cipher    *Cipher
	rewriter  *Rewriter
	cache     *SegmentCache
	log       *slog.Logger
	client    *http.Client
	keyClient *http.Client
}

// NewFetcher wires a Fetcher. Key fetches use their own, typically shorter,
// timeout since players block on key delivery before decoding anything.
func NewFetcher(cipher *Cipher, rewriter *Rewriter, cache *SegmentCache, log *slog.Logger, keyTimeout time.Duration) *Fetcher {
	// Redirects are handled manually on the manifest path; automatic
	// following would rewrite against the wrong base URL.
	noFollow := func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Fetcher{
		cipher:    cipher,
		rewriter:  rewriter,
		cache:     cache,
		log:       log,
		client:    &http.Client{Timeout: fetchTimeout, CheckRedirect: noFollow},
		keyClient: &http.Client{Timeout: keyTimeout, CheckRedirect: noFollow},
	}
}

// FetchManifest retrieves the playlist behind ciphertext and returns it
// rewritten against its final (post-redirect) location.
func (f *Fetcher) FetchManifest(ctx context.Context, ciphertext string) (string, error) {
	target, err := f.cipher.Reveal(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return f.fetchManifestURL(ctx, target, 0)
}

func (f *Fetcher) fetchManifestURL(ctx context.Context, target string, hops int) (string, error) {
	if hops > maxManifestRedirects {
		return "", ErrTooManyRedirects
	}

	resp, err := f.get(ctx, f.client, target)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if location == "" {
			return "", &UpstreamError{Status: resp.StatusCode}
		}
		next, err := resolveRedirect(target, location)
		if err != nil {
			return "", &UpstreamError{Status: resp.StatusCode}
		}
		f.log.Debug("following manifest redirect",
			slog.String("from", MaskURL(target)),
			slog.String("to", MaskURL(next)),
			slog.Int("hop", hops+1))
		return f.fetchManifestURL(ctx, next, hops+1)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read manifest body: %w", err)
	}

	// Rewrite against the URL the body actually came from, so relative
	// references inside a redirected playlist resolve correctly.
	return f.rewriter.Rewrite(string(body), target)
}

// FetchSegment returns segment bytes, the upstream content type, and
// whether the bytes came from cache. Fresh fetches are stored in the cache
// keyed by the ciphertext, content type included, so hits serve the type
// the origin declared.
func (f *Fetcher) FetchSegment(ctx context.Context, ciphertext string) (data []byte, contentType string, cacheHit bool, err error) {
	target, err := f.cipher.Reveal(ciphertext)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}

	if cached, ctype, ok := f.cache.Get(ciphertext); ok {
		return cached, ctype, true, nil
	}

	resp, err := f.get(ctx, f.client, target)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", false, &UpstreamError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", false, fmt.Errorf("read segment body: %w", err)
	}

	contentType = resp.Header.Get("Content-Type")
	f.cache.Put(ciphertext, body, contentType)
	return body, contentType, false, nil
}

// FetchKey retrieves a decryption key behind ciphertext.
func (f *Fetcher) FetchKey(ctx context.Context, ciphertext string) ([]byte, error) {
	target, err := f.cipher.Reveal(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}

	resp, err := f.get(ctx, f.keyClient, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	return io.ReadAll(resp.Body)
}

func (f *Fetcher) get(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	return resp, nil
}

// resolveRedirect resolves a Location header value against the request URL.
func resolveRedirect(from, location string) (string, error) {
	base, err := url.Parse(from)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// IsTimeout reports whether an upstream fetch failed on its deadline, so
// handlers can answer 504 instead of 502.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

// maskedQueryParams are replaced before an origin URL reaches any log line
// or diagnostic surface.
var maskedQueryParams = map[string]bool{
	"token": true, "key": true, "signature": true, "sig": true,
	"auth": true, "apikey": true, "api_key": true, "secret": true,
	"password": true,
}

// MaskURL replaces sensitive query parameter values with a placeholder.
// Unparsable input is masked entirely rather than leaked.
func MaskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparsable url>"
	}
	q := u.Query()
	changed := false
	for name := range q {
		if maskedQueryParams[strings.ToLower(name)] {
			q.Set(name, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
