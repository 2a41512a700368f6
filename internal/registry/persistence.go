package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// PersistedData is the on-disk snapshot of the store: the full ledger,
// matrix, frame ring, counters, and CRDT digests, so history survives a
// process restart.
type PersistedData struct {
	SavedAt time.Time         `json:"saved_at"`
	Peers   []Peer            `json:"peers"`
	Matrix  []MatrixEntry     `json:"matrix"`
	Frames  []ProtocolFrame   `json:"frames"`
	Stats   NetworkStats      `json:"stats"`
	Crdt    map[string]string `json:"crdt_digests,omitempty"`
}

// Persistence reads and writes store snapshots as a single JSON file.
// Writes go to a temp file first and rename into place, so a crash
// mid-write never corrupts the previous snapshot.
type Persistence struct {
	path string
	log  *logrus.Entry
}

// NewPersistence creates a persistence layer writing to path
func NewPersistence(path string) *Persistence {
	return &Persistence{
		path: path,
		log:  logrus.WithField("component", "persistence"),
	}
}

// Load reads the snapshot from disk. A missing file is not an error and
// yields nil data.
func (p *Persistence) Load() (*PersistedData, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", p.path, err)
	}

	var data PersistedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", p.path, err)
	}

	p.log.WithFields(logrus.Fields{
		"peers":  len(data.Peers),
		"frames": len(data.Frames),
	}).Info("Loaded persisted snapshot")
	return &data, nil
}

// Save writes the snapshot atomically
func (p *Persistence) Save(data PersistedData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// Snapshot copies the store's persistable state. The copy happens under a
// read lock; the disk write is the caller's concern and happens outside
// any store lock.
func (s *Store) Snapshot() PersistedData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crdt := make(map[string]string, len(s.crdt))
	for k, v := range s.crdt {
		crdt[k] = v
	}

	return PersistedData{
		SavedAt: s.clock.Now(),
		Peers:   s.ledger.Peers(),
		Matrix:  s.matrix.Entries(),
		Frames:  s.frames.Recent(s.frames.Count()),
		Stats:   s.stats,
		Crdt:    crdt,
	}
}

// RestoreSnapshot replaces the store's state from a persisted snapshot.
// Meant to run once at startup before any traffic.
func (s *Store) RestoreSnapshot(data PersistedData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.Restore(data.Peers)
	s.matrix.Restore(data.Matrix)

	// Recent returns newest first; the ring wants oldest first.
	frames := make([]ProtocolFrame, len(data.Frames))
	for i, f := range data.Frames {
		frames[len(frames)-1-i] = f
	}
	s.frames.Restore(frames)

	s.stats = data.Stats
	s.stats.TotalRegisteredNodes = s.ledger.Len()
	if data.Crdt != nil {
		s.crdt = make(map[string]string, len(data.Crdt))
		for k, v := range data.Crdt {
			s.crdt[k] = v
		}
	}
}

// SaveTo snapshots the store and hands the result to the persistence
// layer. A write failure is logged and counted, never fatal: the store
// keeps serving from memory with degraded durability.
func (s *Store) SaveTo(p *Persistence) {
	if p == nil {
		return
	}
	if err := p.Save(s.Snapshot()); err != nil {
		p.log.WithError(err).Error("Snapshot write failed; continuing in-memory only")
	}
}
