package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStreamNotFound is returned when an operation references a stream id
	// with no record in the registry.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrAtCapacity is returned when a viewer tries to join a stream whose
	// viewer count has reached its ceiling.
	ErrAtCapacity = errors.New("stream at viewer capacity")
)

// Registry is the concurrency-safe owner of all stream records and viewer
// sessions. It holds no persisted state: on restart it is reconstructed
// empty, which invalidates every outstanding token (their backing records
// are gone). That is an operational property of the design, not a bug.
type Registry struct {
	mu    sync.RWMutex
	store Store
}

// NewRegistry constructs a registry with a default in-memory store.
func NewRegistry() *Registry {
	return NewRegistryWithStore(NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry that uses the given Store.
// Useful for testing or for plugging in a different persistence backend.
func NewRegistryWithStore(store Store) *Registry {
	return &Registry{store: store}
}

// CreateStream stores a new stream record. The caller (TokenService.Issue)
// is responsible for populating it fully.
func (r *Registry) CreateStream(rec *StreamRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.SetStream(rec)
}

// GetStream returns a copy of the record for the given id. The copy's
// Active flag reflects effective activity: a stream past its expiry reads
// as inactive even before the reaper physically removes it.
func (r *Registry) GetStream(id StreamID) (StreamRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.store.GetStream(id)
	if !ok {
		return StreamRecord{}, false
	}

	out := *rec
	if !time.Now().UTC().Before(out.ExpiresAt) {
		out.Active = false
	}
	return out, true
}

// StopStream marks the stream inactive and rotates its generation id,
// instantly voiding every previously issued token for it. Idempotent on an
// already-stopped stream (the generation rotates again, which is harmless:
// stopped streams reject tokens on the active flag first).
func (r *Registry) StopStream(id StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.store.GetStream(id)
	if !ok {
		return ErrStreamNotFound
	}

	rec.Active = false
	rec.Generation = uuid.NewString()
	r.store.SetStream(rec)
	return nil
}

// RegisterViewer admits a viewer onto a stream, enforcing the viewer
// ceiling. If sessionID is empty a fresh opaque id is generated. Re-joining
// with an existing session id refreshes its activity timestamp without
// consuming another capacity slot.
func (r *Registry) RegisterViewer(streamID StreamID, sessionID SessionID) (ViewerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.store.GetStream(streamID)
	if !ok {
		return ViewerSession{}, ErrStreamNotFound
	}

	if sessionID != "" {
		if sess, exists := r.store.GetSession(sessionID); exists && sess.StreamID == streamID {
			sess.LastActive = time.Now().UTC()
			r.store.SetSession(sess)
			return *sess, nil
		}
	}

	if rec.Viewers >= rec.MaxViewers {
		return ViewerSession{}, ErrAtCapacity
	}

	if sessionID == "" {
		sessionID = SessionID(uuid.NewString())
	}

	now := time.Now().UTC()
	sess := &ViewerSession{
		ID:         sessionID,
		StreamID:   streamID,
		JoinedAt:   now,
		LastActive: now,
	}
	r.store.SetSession(sess)
	rec.Viewers++
	r.store.SetStream(rec)

	return *sess, nil
}

// RemoveViewer deletes the session and decrements its stream's viewer count,
// floored at zero. Unknown session ids are a no-op, so duplicate leave
// requests are harmless.
func (r *Registry) RemoveViewer(sessionID SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.GetSession(sessionID)
	if !ok {
		return
	}
	r.store.DeleteSession(sessionID)

	if rec, ok := r.store.GetStream(sess.StreamID); ok && rec.Viewers > 0 {
		rec.Viewers--
		r.store.SetStream(rec)
	}
}

// ReapExpired removes every stream whose expiry has passed or that has been
// stopped, cascading deletion of its sessions. This is the only place
// records are physically deleted; it runs on a fixed interval from main.
// Returns the number of streams removed.
func (r *Registry) ReapExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for _, id := range r.store.ListStreamIDs() {
		rec, ok := r.store.GetStream(id)
		if !ok {
			continue
		}
		if rec.Active && now.Before(rec.ExpiresAt) {
			continue
		}

		r.store.DeleteStream(id)
		reaped++

		for _, sid := range r.store.ListSessionIDs() {
			if sess, ok := r.store.GetSession(sid); ok && sess.StreamID == id {
				r.store.DeleteSession(sid)
			}
		}
	}
	return reaped
}

// ActiveStreamCount returns the number of streams that are active and not
// yet expired. Used for metrics and the health endpoint.
func (r *Registry) ActiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	n := 0
	for _, id := range r.store.ListStreamIDs() {
		if rec, ok := r.store.GetStream(id); ok && rec.Active && now.Before(rec.ExpiresAt) {
			n++
		}
	}
	return n
}

// ViewerCount returns the total number of live sessions across all streams.
func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListSessionIDs())
}
