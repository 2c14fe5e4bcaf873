package session

import (
	"log"
	"time"

	"github.com/fotolink/fotolink/store"
)

// DefaultRetention is how long a saved pairing stays reconnectable
// without a successful connection refreshing it.
const DefaultRetention = 90 * 24 * time.Hour

// Saver persists the last successful pairing so the app can
// auto-reconnect on launch without a fresh QR scan. It prefers the
// durable remote store and degrades silently to the local mirror when
// the remote is unreachable: persistence is a convenience, not a
// correctness requirement of the transfer protocol.
type Saver struct {
	userID    string
	remote    store.Store // nil when unauthenticated
	local     store.Store
	retention time.Duration
	log       *log.Logger

	now func() time.Time
}

// New returns a Saver for the given user. remote may be nil, in which
// case only the local mirror is used (single-device guarantee only).
func New(userID string, remote, local store.Store, retention time.Duration, l *log.Logger) *Saver {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Saver{
		userID:    userID,
		remote:    remote,
		local:     local,
		retention: retention,
		log:       l,
		now:       time.Now,
	}
}

// Save upserts the pairing record in both stores. Remote failures are
// logged and swallowed.
func (s *Saver) Save(signalingServer, roomID, deviceName string) error {
	now := s.now()
	c := store.Connection{
		UserID:          s.userID,
		SignalingServer: signalingServer,
		RoomID:          roomID,
		DeviceName:      deviceName,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastConnectedAt: now,
	}

	// An existing record keeps its creation time.
	if prev, err := s.local.GetConnection(s.userID); err == nil {
		c.CreatedAt = prev.CreatedAt
	}

	if s.remote != nil {
		if err := s.remote.PutConnection(c); err != nil {
			s.log.Printf("error saving connection remotely, keeping local copy: %v", err)
		}
	}
	return s.local.PutConnection(c)
}

// Load returns the most recent non-expired pairing record, preferring
// the durable remote copy. A record at or past the retention window is
// treated as absent.
func (s *Saver) Load() (store.Connection, bool) {
	if s.remote != nil {
		if c, err := s.remote.GetConnection(s.userID); err == nil {
			if s.fresh(c) {
				return c, true
			}
		} else if err != store.ErrNotFound {
			s.log.Printf("error loading connection remotely, trying local: %v", err)
		}
	}

	c, err := s.local.GetConnection(s.userID)
	if err != nil {
		return store.Connection{}, false
	}
	if !s.fresh(c) {
		return store.Connection{}, false
	}
	return c, true
}

// Touch refreshes the last-connected timestamp on every successful
// reconnect, resetting the retention clock.
func (s *Saver) Touch() {
	now := s.now()
	if s.remote != nil {
		if err := s.remote.TouchConnection(s.userID, now); err != nil {
			s.log.Printf("error touching remote connection: %v", err)
		}
	}
	if err := s.local.TouchConnection(s.userID, now); err != nil && err != store.ErrNotFound {
		s.log.Printf("error touching local connection: %v", err)
	}
}

// Delete removes both copies. Called on explicit disconnect and on a
// revocation signal from the peer.
func (s *Saver) Delete() error {
	if s.remote != nil {
		if err := s.remote.DeleteConnection(s.userID); err != nil {
			s.log.Printf("error deleting remote connection: %v", err)
		}
	}
	return s.local.DeleteConnection(s.userID)
}

// fresh reports whether a record is still inside the retention window.
// Exactly at the boundary counts as expired.
func (s *Saver) fresh(c store.Connection) bool {
	last := c.LastConnectedAt
	if last.IsZero() {
		last = c.UpdatedAt
	}
	return s.now().Sub(last) < s.retention
}
