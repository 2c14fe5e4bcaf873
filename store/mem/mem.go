package mem

import (
	"sync"
	"time"

	"github.com/fotolink/fotolink/store"
)

// Config represents the InMemory store config structure.
type Config struct {
	// TTL after which unrefreshed connections are dropped by the
	// cleanup watcher. Zero disables expiry.
	TTL time.Duration `koanf:"ttl"`
}

// InMemory represents the in-memory implementation of the Store
// interface. It backs tests and the unauthenticated local cache.
type InMemory struct {
	cfg   *Config
	conns map[string]conn
	mu    sync.Mutex
}

type conn struct {
	store.Connection
	Expire time.Time
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	s := &InMemory{
		cfg:   &cfg,
		conns: map[string]conn{},
	}
	if cfg.TTL > 0 {
		go s.watch()
	}
	return s, nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		m.cleanup()
	}
}

// cleanup removes expired items from the store.
func (m *InMemory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, c := range m.conns {
		if !c.Expire.IsZero() && c.Expire.Before(now) {
			delete(m.conns, id)
		}
	}
}

// PutConnection upserts the saved connection for a user.
func (m *InMemory) PutConnection(c store.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := conn{Connection: c}
	if m.cfg.TTL > 0 {
		out.Expire = time.Now().Add(m.cfg.TTL)
	}
	m.conns[c.UserID] = out
	return nil
}

// GetConnection gets the saved connection for a user.
func (m *InMemory) GetConnection(userID string) (store.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[userID]
	if !ok {
		return store.Connection{}, store.ErrNotFound
	}
	return c.Connection, nil
}

// TouchConnection refreshes the last-connected timestamp.
func (m *InMemory) TouchConnection(userID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[userID]
	if !ok {
		return store.ErrNotFound
	}
	c.LastConnectedAt = t
	c.UpdatedAt = t
	if m.cfg.TTL > 0 {
		c.Expire = t.Add(m.cfg.TTL)
	}
	m.conns[userID] = c
	return nil
}

// DeleteConnection removes the saved connection for a user.
func (m *InMemory) DeleteConnection(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, userID)
	return nil
}
