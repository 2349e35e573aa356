package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenExpired is returned when a token's expiry claim has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrSignatureInvalid is returned when a token fails cryptographic
	// verification or is structurally invalid.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrStreamGone is returned when a valid token references a stream that
	// no longer exists (reaped after expiry, or never existed).
	ErrStreamGone = errors.New("stream no longer exists")

	// ErrStreamStopped is returned when the stream has been explicitly
	// stopped by its operator.
	ErrStreamStopped = errors.New("stream has been stopped")

	// ErrRevoked is returned when a token's generation id no longer matches
	// the stream record's current generation.
	ErrRevoked = errors.New("token revoked")
)

// tokenTypeViewer is the type discriminator carried in every access token.
const tokenTypeViewer = "viewer"

// Claims is the JWT payload embedded in every access token. The token is a
// detached, self-verifying capability: it carries the concealed origin URL
// so the proxy needs no lookup to serve media, and a generation id so a
// single registry field can void every outstanding token at once.
type Claims struct {
	StreamID   string `json:"sid"`
	Ciphertext string `json:"enc"`
	Generation string `json:"gen"`
	TokenType  string `json:"typ"`
	jwt.RegisteredClaims
}

// IssueResult is returned by TokenService.Issue.
type IssueResult struct {
	Token     string
	StreamID  StreamID
	ExpiresAt time.Time
}

// TokenService issues, verifies, and revokes signed access tokens bound to
// stream records. Tokens are HS256 JWTs; revocation works by rotating the
// record's generation id rather than keeping a blacklist.
type TokenService struct {
	cipher     *Cipher
	registry   *Registry
	secret     []byte
	defaultTTL time.Duration
	maxViewers int

	now func() time.Time
}

// NewTokenService wires a TokenService. defaultTTL applies when Issue is
// called with a non-positive ttl; maxViewers is the per-stream viewer
// ceiling stamped onto new records.
func NewTokenService(cipher *Cipher, registry *Registry, secret string, defaultTTL time.Duration, maxViewers int) *TokenService {
	return &TokenService{
		cipher:     cipher,
		registry:   registry,
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		maxViewers: maxViewers,
		now:        time.Now,
	}
}

// Issue conceals originURL, creates the backing stream record, and returns
// a signed token for it. ttl <= 0 selects the configured default.
func (s *TokenService) Issue(originURL string, ttl time.Duration) (IssueResult, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	ciphertext, err := s.cipher.Conceal(originURL)
	if err != nil {
		return IssueResult{}, fmt.Errorf("conceal origin: %w", err)
	}

	streamID, err := s.cipher.NewStreamID()
	if err != nil {
		return IssueResult{}, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	generation := uuid.NewString()

	claims := Claims{
		StreamID:   string(streamID),
		Ciphertext: ciphertext,
		Generation: generation,
		TokenType:  tokenTypeViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return IssueResult{}, fmt.Errorf("sign token: %w", err)
	}

	s.registry.CreateStream(&StreamRecord{
		ID:         streamID,
		Ciphertext: ciphertext,
		OriginURL:  originURL,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Active:     true,
		Viewers:    0,
		MaxViewers: s.maxViewers,
		Generation: generation,
	})

	return IssueResult{Token: signed, StreamID: streamID, ExpiresAt: expiresAt}, nil
}

// Verify checks signature and expiry first (cheap, stateless), then the
// registry state: the record must exist, be active, and carry the same
// generation id the token was issued under.
func (s *TokenService) Verify(tokenStr string) (*Claims, StreamRecord, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, StreamRecord{}, ErrTokenExpired
		}
		return nil, StreamRecord{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenTypeViewer {
		return nil, StreamRecord{}, ErrSignatureInvalid
	}

	rec, ok := s.registry.GetStream(StreamID(claims.StreamID))
	if !ok {
		return nil, StreamRecord{}, ErrStreamGone
	}
	if !rec.Active {
		return nil, StreamRecord{}, ErrStreamStopped
	}
	if rec.Generation != claims.Generation {
		return nil, StreamRecord{}, ErrRevoked
	}

	return claims, rec, nil
}

// Stop deactivates the stream and rotates its generation id, voiding every
// previously issued token. Idempotent on an already-stopped stream.
func (s *TokenService) Stop(streamID StreamID) error {
	return s.registry.StopStream(streamID)
}
