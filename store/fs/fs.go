package fs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fotolink/fotolink/store"
)

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// File represents the file implementation of the Store interface. It
// is the local mirror used when the durable remote store is
// unreachable or the user is unauthenticated.
type File struct {
	cfg   *Config
	conns map[string]store.Connection
	mu    sync.Mutex
	dirty bool
	log   *log.Logger
}

// New returns a new file store.
func New(cfg Config, l *log.Logger) (*File, error) {
	s := &File{
		cfg:   &cfg,
		conns: map[string]store.Connection{},
		log:   l,
	}
	err := s.load()
	go s.watch()
	return s, err
}

// watch flushes dirty state to disk periodically.
func (f *File) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		f.save()
	}
}

// load reads the store file if it exists.
func (f *File) load() error {
	b, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Unmarshal(b, &f.conns)
}

// save writes the store to disk if it has changed.
func (f *File) save() {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	b, err := json.Marshal(f.conns)
	f.dirty = false
	f.mu.Unlock()

	if err != nil {
		f.log.Printf("error marshalling connection store: %v", err)
		return
	}
	if err := os.WriteFile(f.cfg.Path, b, 0600); err != nil {
		f.log.Printf("error writing connection store: %v", err)
	}
}

// Flush forces a write of any pending changes.
func (f *File) Flush() {
	f.save()
}

// PutConnection upserts the saved connection for a user.
func (f *File) PutConnection(c store.Connection) error {
	f.mu.Lock()
	f.conns[c.UserID] = c
	f.dirty = true
	f.mu.Unlock()

	f.save()
	return nil
}

// GetConnection gets the saved connection for a user.
func (f *File) GetConnection(userID string) (store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.conns[userID]
	if !ok {
		return store.Connection{}, store.ErrNotFound
	}
	return c, nil
}

// TouchConnection refreshes the last-connected timestamp.
func (f *File) TouchConnection(userID string, t time.Time) error {
	f.mu.Lock()
	c, ok := f.conns[userID]
	if !ok {
		f.mu.Unlock()
		return store.ErrNotFound
	}
	c.LastConnectedAt = t
	c.UpdatedAt = t
	f.conns[userID] = c
	f.dirty = true
	f.mu.Unlock()

	f.save()
	return nil
}

// DeleteConnection removes the saved connection for a user.
func (f *File) DeleteConnection(userID string) error {
	f.mu.Lock()
	delete(f.conns, userID)
	f.dirty = true
	f.mu.Unlock()

	f.save()
	return nil
}
