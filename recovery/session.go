package recovery

import "github.com/google/uuid"

// Session tags one recovery attempt for diagnostics (log lines, returned
// error context) across the several passes a /usr recovery can take
// (geometry probe, IV XOR recovery, shadow-root fallback). ID is never
// persisted: the on-disk format in spec §6 has no UUID field, so unlike
// ext4's volumeUUID (which this ID's library choice is grounded on) we do
// not invent one there.
type Session struct {
	ID uuid.UUID
}

// NewSession starts a new recovery session with a fresh random ID.
func NewSession() Session {
	return Session{ID: uuid.New()}
}

func (s Session) String() string { return s.ID.String() }
