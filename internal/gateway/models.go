package gateway

import "time"

// StreamID uniquely identifies a published stream. It is derived one-way
// from random material (see Cipher.NewStreamID) so it reveals nothing about
// the origin URL even though it appears in every client request.
type StreamID string

// SessionID identifies a single viewer's session on a stream.
type SessionID string

// StreamRecord is the authoritative server-side state for a published stream.
// The plaintext origin URL is kept for internal use only and never serialized
// to clients; clients only ever see the concealed ciphertext.
type StreamRecord struct {
	ID         StreamID
	Ciphertext string
	OriginURL  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Active     bool
	Viewers    int
	MaxViewers int

	// Generation is rotated by Stop. Tokens embed the generation current at
	// issue time; a mismatch on verify means the token has been revoked.
	Generation string
}

// ViewerSession tracks one connected viewer. Sessions are removed when the
// viewer leaves or when their stream is reaped.
type ViewerSession struct {
	ID         SessionID
	StreamID   StreamID
	JoinedAt   time.Time
	LastActive time.Time
}
