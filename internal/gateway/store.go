package gateway

// Store is the persistence abstraction for stream records and viewer
// sessions. Implementations can be in-memory or remote; the Registry uses
// Store for all reads and writes and layers locking and invariants on top,
// so a distributed deployment can swap in a shared backend without touching
// callers. The Registry writes every mutation back through SetStream and
// SetSession, so implementations are free to return copies from Get.
type Store interface {
	GetStream(id StreamID) (*StreamRecord, bool)
	SetStream(rec *StreamRecord)
	DeleteStream(id StreamID)
	ListStreamIDs() []StreamID

	GetSession(id SessionID) (*ViewerSession, bool)
	SetSession(sess *ViewerSession)
	DeleteSession(id SessionID)
	ListSessionIDs() []SessionID
}

// InMemoryStore is an in-memory implementation of Store. It does no locking
// of its own; the Registry serializes access.
type InMemoryStore struct {
	streams  map[StreamID]*StreamRecord
	sessions map[SessionID]*ViewerSession
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams:  make(map[StreamID]*StreamRecord),
		sessions: make(map[SessionID]*ViewerSession),
	}
}

// GetStream implements Store.GetStream.
func (s *InMemoryStore) GetStream(id StreamID) (*StreamRecord, bool) {
	rec, ok := s.streams[id]
	return rec, ok
}

// SetStream implements Store.SetStream.
func (s *InMemoryStore) SetStream(rec *StreamRecord) {
	s.streams[rec.ID] = rec
}

// DeleteStream implements Store.DeleteStream.
func (s *InMemoryStore) DeleteStream(id StreamID) {
	delete(s.streams, id)
}

// ListStreamIDs implements Store.ListStreamIDs.
func (s *InMemoryStore) ListStreamIDs() []StreamID {
	ids := make([]StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id SessionID) (*ViewerSession, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *ViewerSession) {
	s.sessions[sess.ID] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(id SessionID) {
	delete(s.sessions, id)
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *InMemoryStore) ListSessionIDs() []SessionID {
	ids := make([]SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
