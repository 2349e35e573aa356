package gateway

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// uriAttrRe matches the quoted URI attribute inside HLS tags such as
// #EXT-X-KEY and #EXT-X-MAP.
var uriAttrRe = regexp.MustCompile(`(?i)URI=["']([^"']+)["']`)

// segmentSuffixes are the media suffixes routed through the segment
// endpoint: MPEG-TS plus fragmented-MP4 segments and init segments, audio
// renditions, and subtitle fragments.
var segmentSuffixes = []string{".ts", ".mp4", ".m4s", ".m4a", ".m4v", ".aac", ".vtt"}

// Rewriter rewrites every URI reference in an HLS playlist into a
// proxy-relative, re-concealed URI so a downstream player only ever talks
// to the proxy. It is a pure text transform: it never fetches anything.
type Rewriter struct {
	cipher       *Cipher
	manifestPath string
	segmentPath  string
	keyPath      string
}

// NewRewriter returns a Rewriter that emits endpoints under proxyBase
// (e.g. "/proxy" yields "/proxy/manifest?url=…").
func NewRewriter(cipher *Cipher, proxyBase string) *Rewriter {
	proxyBase = strings.TrimRight(proxyBase, "/")
	return &Rewriter{
		cipher:       cipher,
		manifestPath: proxyBase + "/manifest?url=",
		segmentPath:  proxyBase + "/segment?url=",
		keyPath:      proxyBase + "/key?url=",
	}
}

// Rewrite transforms playlist line by line against baseURL, the URL the
// playlist was fetched from. Relative references are resolved to absolute
// before concealment; unrecognized lines pass through unchanged.
func (rw *Rewriter) Rewrite(playlist, baseURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	lines := strings.Split(playlist, "\n")
	var b strings.Builder
	b.Grow(len(playlist))

	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")

		switch {
		case line == "":
			// keep blank lines as-is
		case strings.HasPrefix(line, "#EXT-X-KEY") || strings.HasPrefix(line, "#EXT-X-SESSION-KEY"):
			line, err = rw.rewriteURIAttr(line, rw.keyPath, base)
		case strings.HasPrefix(line, "#EXT-X-MAP"):
			// init segments route through the segment endpoint
			line, err = rw.rewriteURIAttr(line, rw.segmentPath, base)
		case strings.HasPrefix(line, "#EXT-X-MEDIA:") || strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF"):
			// alternate renditions and i-frame playlists carry their URI
			// in an attribute, not on a bare line
			line, err = rw.rewriteURIAttr(line, rw.manifestPath, base)
		case strings.HasPrefix(line, "#"):
			// any other tag passes through untouched
		default:
			line, err = rw.rewriteReference(line, base)
		}
		if err != nil {
			return "", err
		}

		b.WriteString(line)
		if i < len(lines)-1 {
			b.WriteString("\n")
		}
	}

	return b.String(), nil
}

// rewriteReference rewrites a bare URI line (segment or sub-playlist).
// Lines that do not parse or carry no recognized suffix are left alone.
func (rw *Rewriter) rewriteReference(line string, base *url.URL) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return line, nil
	}
	resolved := base.ResolveReference(ref)

	endpoint, ok := rw.endpointFor(resolved.Path)
	if !ok {
		return line, nil
	}

	ciphertext, err := rw.cipher.Conceal(resolved.String())
	if err != nil {
		return "", err
	}
	return endpoint + url.QueryEscape(ciphertext), nil
}

// rewriteURIAttr replaces the quoted URI attribute of a tag line with a
// concealed proxy URL on the given endpoint.
func (rw *Rewriter) rewriteURIAttr(line, endpoint string, base *url.URL) (string, error) {
	match := uriAttrRe.FindStringSubmatch(line)
	if match == nil {
		return line, nil
	}

	ref, err := url.Parse(match[1])
	if err != nil {
		return line, nil
	}
	resolved := base.ResolveReference(ref)

	ciphertext, err := rw.cipher.Conceal(resolved.String())
	if err != nil {
		return "", err
	}
	return strings.Replace(line, match[1], endpoint+url.QueryEscape(ciphertext), 1), nil
}

// endpointFor picks the proxy endpoint for a resolved URL path. The suffix
// match runs on the path only, so query strings do not hide the extension.
func (rw *Rewriter) endpointFor(urlPath string) (string, bool) {
	lower := strings.ToLower(urlPath)
	if strings.HasSuffix(lower, ".m3u8") {
		return rw.manifestPath, true
	}
	for _, suffix := range segmentSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return rw.segmentPath, true
		}
	}
	return "", false
}
