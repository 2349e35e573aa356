package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hls-gateway/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
	keyContentType      = "application/octet-stream"
)

// Handler exposes the gateway HTTP endpoints using go-chi.
type Handler struct {
	tokens   *TokenService
	registry *Registry
	cache    *SegmentCache
	fetcher  *Fetcher
	baseURL  string
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler over the given collaborators. baseURL is the
// public base used to build viewer links. Metrics may be nil to disable
// metric recording (e.g. in tests).
func NewHandler(tokens *TokenService, registry *Registry, cache *SegmentCache, fetcher *Fetcher, baseURL string, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		tokens:   tokens,
		registry: registry,
		cache:    cache,
		fetcher:  fetcher,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
		metrics:  m,
	}
}

type issueRequest struct {
	URL           string `json:"url"`
	ExpiryMinutes int    `json:"expiryMinutes"`
}

type issueResponse struct {
	Token     string `json:"token"`
	StreamID  string `json:"streamId"`
	ExpiresAt string `json:"expiresAt"`
	ViewerURL string `json:"viewerUrl"`
	ExpiresIn int64  `json:"expiresIn"`
}

// IssueToken handles POST /api/streams.
// Body: { "url": "https://origin/live/index.m3u8", "expiryMinutes": 60 }.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validateOriginURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.tokens.Issue(req.URL, time.Duration(req.ExpiryMinutes)*time.Minute)
	if err != nil {
		h.log.Error("issue token failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.log.Info("token issued",
		slog.String("stream_id", string(res.StreamID)),
		slog.String("origin", MaskURL(req.URL)),
		slog.Time("expires_at", res.ExpiresAt))
	if h.metrics != nil {
		h.metrics.IncTokensIssued()
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		Token:     res.Token,
		StreamID:  string(res.StreamID),
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339),
		ViewerURL: h.baseURL + "/watch?token=" + url.QueryEscape(res.Token),
		ExpiresIn: int64(time.Until(res.ExpiresAt).Seconds()),
	})
}

type validateRequest struct {
	Token string `json:"token"`
}

type streamData struct {
	StreamID    string `json:"streamId"`
	ExpiresAt   string `json:"expiresAt"`
	IsActive    bool   `json:"isActive"`
	ViewerCount int    `json:"viewerCount"`
}

type validateResponse struct {
	Valid      bool        `json:"valid"`
	StreamData *streamData `json:"streamData,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ValidateToken handles POST /api/streams/validate. Validity is reported in
// the body; the response is 200 either way so clients can distinguish
// "try again" from "get a new link" by the error text.
func (h *Handler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, rec, err := h.tokens.Verify(req.Token)
	if err != nil {
		h.log.Debug("token rejected", slog.String("reason", err.Error()))
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: authErrorText(err)})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Valid: true,
		StreamData: &streamData{
			StreamID:    claims.StreamID,
			ExpiresAt:   rec.ExpiresAt.Format(time.RFC3339),
			IsActive:    rec.Active,
			ViewerCount: rec.Viewers,
		},
	})
}

type stopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StopStream handles POST /api/streams/{stream_id}/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))
	if streamID == "" {
		writeError(w, http.StatusBadRequest, "stream id is required")
		return
	}

	if err := h.tokens.Stop(streamID); err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			writeJSON(w, http.StatusNotFound, stopResponse{Success: false, Message: "stream not found"})
			return
		}
		h.log.Error("stop stream failed", slog.String("stream_id", string(streamID)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to stop stream")
		return
	}

	h.log.Info("stream stopped", slog.String("stream_id", string(streamID)))
	if h.metrics != nil {
		h.metrics.IncStreamsStopped()
	}
	writeJSON(w, http.StatusOK, stopResponse{Success: true, Message: "stream stopped, all tokens revoked"})
}

type statsResponse struct {
	StreamID    string `json:"streamId"`
	IsActive    bool   `json:"isActive"`
	ViewerCount int    `json:"viewerCount"`
	MaxViewers  int    `json:"maxViewers"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	UptimeMs    int64  `json:"uptimeMs"`
}

// StreamStats handles GET /api/streams/{stream_id}/stats.
func (h *Handler) StreamStats(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "stream_id"))

	rec, ok := h.registry.GetStream(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		StreamID:    string(rec.ID),
		IsActive:    rec.Active,
		ViewerCount: rec.Viewers,
		MaxViewers:  rec.MaxViewers,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   rec.ExpiresAt.Format(time.RFC3339),
		UptimeMs:    time.Since(rec.CreatedAt).Milliseconds(),
	})
}

type joinRequest struct {
	StreamID  string `json:"streamId"`
	SessionID string `json:"sessionId"`
}

// JoinViewer handles POST /api/viewers.
func (h *Handler) JoinViewer(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "streamId is required")
		return
	}

	sess, err := h.registry.RegisterViewer(StreamID(req.StreamID), SessionID(req.SessionID))
	if err != nil {
		switch {
		case errors.Is(err, ErrStreamNotFound):
			writeError(w, http.StatusNotFound, "stream not found")
		case errors.Is(err, ErrAtCapacity):
			writeError(w, http.StatusTooManyRequests, "stream at viewer capacity")
		default:
			h.log.Error("register viewer failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to register viewer")
		}
		return
	}

	h.log.Debug("viewer joined",
		slog.String("stream_id", req.StreamID),
		slog.String("session_id", string(sess.ID)))
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": string(sess.ID)})
}

// LeaveViewer handles DELETE /api/viewers/{session_id}. Idempotent: leaving
// an unknown or already-removed session still succeeds.
func (h *Handler) LeaveViewer(w http.ResponseWriter, r *http.Request) {
	sessionID := SessionID(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	h.registry.RemoveViewer(sessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ProxyManifest handles GET /proxy/manifest?url=<ciphertext>.
func (h *Handler) ProxyManifest(w http.ResponseWriter, r *http.Request) {
	ciphertext := r.URL.Query().Get("url")
	if ciphertext == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	rewritten, err := h.fetcher.FetchManifest(r.Context(), ciphertext)
	if err != nil {
		h.upstreamFailure(w, "manifest", err)
		return
	}

	setCORS(w)
	w.Header().Set("Content-Type", manifestContentType)
	// Manifests rotate every few seconds; intermediaries must not cache them.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rewritten))
}

// ProxySegment handles GET /proxy/segment?url=<ciphertext>.
func (h *Handler) ProxySegment(w http.ResponseWriter, r *http.Request) {
	ciphertext := r.URL.Query().Get("url")
	if ciphertext == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	data, contentType, hit, err := h.fetcher.FetchSegment(r.Context(), ciphertext)
	if err != nil {
		h.upstreamFailure(w, "segment", err)
		return
	}

	if h.metrics != nil {
		if hit {
			h.metrics.IncCacheHits()
		} else {
			h.metrics.IncCacheMisses()
		}
	}

	if contentType == "" || !strings.Contains(contentType, "mp4") {
		contentType = segmentContentType
	}

	setCORS(w)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=10")
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ProxyKey handles GET /proxy/key?url=<ciphertext>.
func (h *Handler) ProxyKey(w http.ResponseWriter, r *http.Request) {
	ciphertext := r.URL.Query().Get("url")
	if ciphertext == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	data, err := h.fetcher.FetchKey(r.Context(), ciphertext)
	if err != nil {
		h.upstreamFailure(w, "key", err)
		return
	}

	setCORS(w)
	w.Header().Set("Content-Type", keyContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type healthResponse struct {
	Status        string     `json:"status"`
	ActiveStreams int        `json:"activeStreams"`
	Cache         CacheStats `json:"cache"`
}

// Health handles GET /healthz with read-only stream and cache metrics.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		ActiveStreams: h.registry.ActiveStreamCount(),
		Cache:         h.cache.Stats(),
	})
}

// upstreamFailure maps fetch errors to gateway status codes: tampered
// ciphertext is the client's fault, deadline overruns are 504, everything
// else from the origin is 502. Error text never includes the origin URL.
func (h *Handler) upstreamFailure(w http.ResponseWriter, kind string, err error) {
	if h.metrics != nil {
		h.metrics.IncUpstreamErrors()
	}

	var uerr *UpstreamError
	switch {
	case errors.Is(err, ErrBadCiphertext):
		h.log.Warn("rejected tampered proxy url", slog.String("kind", kind))
		writeError(w, http.StatusBadRequest, "invalid url parameter")
	case IsTimeout(err):
		h.log.Warn("upstream timeout", slog.String("kind", kind))
		writeError(w, http.StatusGatewayTimeout, "upstream request timed out")
	case errors.As(err, &uerr):
		h.log.Warn("upstream error",
			slog.String("kind", kind),
			slog.Int("status", uerr.Status))
		writeError(w, http.StatusBadGateway, "upstream request failed")
	case errors.Is(err, ErrTooManyRedirects):
		h.log.Warn("upstream redirect loop", slog.String("kind", kind))
		writeError(w, http.StatusBadGateway, "upstream request failed")
	default:
		h.log.Error("upstream fetch failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "upstream request failed")
	}
}

// validateOriginURL checks the issuance input: http(s) and an .m3u8 resource.
func validateOriginURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be a valid http(s) url")
	}
	if !strings.Contains(u.Path, ".m3u8") {
		return errors.New("url must reference an .m3u8 resource")
	}
	return nil
}

// authErrorText maps verification failures to client-facing reasons.
func authErrorText(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrStreamGone):
		return "stream no longer exists"
	case errors.Is(err, ErrStreamStopped):
		return "stream has been stopped"
	case errors.Is(err, ErrRevoked):
		return "token revoked"
	default:
		return "invalid token"
	}
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
