// Package archive persists the final snapshot of finished mint attempts.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"zkmint/internal/mint"
)

// Store abstracts archive persistence. Get returns nil, nil for unknown ids.
type Store interface {
	Save(ctx context.Context, snap mint.Snapshot) error
	Get(ctx context.Context, id string) (*mint.Snapshot, error)
}

func validate(snap mint.Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id is empty")
	}
	if !snap.State.Terminal() {
		return fmt.Errorf("attempt %s is not terminal (state %s)", snap.ID, snap.State)
	}
	return nil
}

// unknownOutcomes filters snapshots with an undetermined ledger outcome, newest first.
func unknownOutcomes(data map[string]mint.Snapshot, limit int) []mint.Snapshot {
	if limit <= 0 {
		limit = 100
	}
	var out []mint.Snapshot
	for _, snap := range data {
		if snap.LastError != nil && snap.LastError.Outcome == mint.OutcomeUnknown {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]mint.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]mint.Snapshot),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*mint.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *MemoryStore) UnknownOutcomes(_ context.Context, limit int) ([]mint.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return unknownOutcomes(m.data, limit), nil
}

func (m *MemoryStore) Save(_ context.Context, snap mint.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[snap.ID] = snap
	return nil
}

// FileStore keeps the archive in a single JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]mint.Snapshot
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]mint.Snapshot),
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load archive %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, id string) (*mint.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.data[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (f *FileStore) UnknownOutcomes(_ context.Context, limit int) ([]mint.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return unknownOutcomes(f.data, limit), nil
}

func (f *FileStore) Save(_ context.Context, snap mint.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, existed := f.data[snap.ID]
	f.data[snap.ID] = snap
	if err := f.persist(); err != nil {
		if existed {
			f.data[snap.ID] = prev
		} else {
			delete(f.data, snap.ID)
		}
		return err
	}
	return nil
}
