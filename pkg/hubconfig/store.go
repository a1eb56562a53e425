package hubconfig

import (
	"sync"
	"sync/atomic"
)

// Source supplies settings snapshots. Load always returns a fresh copy that
// the caller may keep or mutate; Save replaces the stored settings.
type Source interface {
	Load() (*Settings, error)
	Save(*Settings) error
}

// FileStore is a Source backed by a settings file.
type FileStore struct {
	Path string
}

// NewFileStore returns a store for the settings file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load() (*Settings, error) {
	return Load(f.Path)
}

func (f *FileStore) Save(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return Save(f.Path, s)
}

// MemoryStore is an in-process Source, used for embedding and tests.
type MemoryStore struct {
	mu       sync.Mutex
	settings *Settings
}

// NewMemoryStore seeds a store with a copy of s.
func NewMemoryStore(s *Settings) *MemoryStore {
	return &MemoryStore{settings: s.Clone()}
}

func (m *MemoryStore) Load() (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Clone(), nil
}

func (m *MemoryStore) Save(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s.Clone()
	m.mu.Unlock()
	return nil
}

// Snapshot holds the settings currently in effect. Readers share the stored
// pointer and must treat it as read-only; writers replace it whole.
type Snapshot struct {
	p atomic.Pointer[Settings]
}

// Current returns the settings in effect, or empty settings before the first
// Set.
func (s *Snapshot) Current() *Settings {
	if v := s.p.Load(); v != nil {
		return v
	}
	return &Settings{}
}

func (s *Snapshot) Set(v *Settings) {
	s.p.Store(v)
}
