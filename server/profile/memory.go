package profile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type memoryEntry struct {
	versions []MountProfile
	lastUsed time.Time
}

// MemoryStore keeps profiles in process. When maxNames is exceeded the least
// recently used profile name is evicted with all its versions.
type MemoryStore struct {
	entries  map[string]*memoryEntry
	mutex    sync.RWMutex
	maxNames int
	logger   *zap.Logger
	closed   bool
}

func NewMemoryStore(maxNames int, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]*memoryEntry),
		maxNames: maxNames,
		logger:   logger,
	}
}

func (s *MemoryStore) Save(ctx context.Context, p *MountProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrClosed
	}

	entry, exists := s.entries[p.Name]
	if !exists {
		if s.maxNames > 0 && len(s.entries) >= s.maxNames {
			s.evictLRU()
		}
		entry = &memoryEntry{}
		s.entries[p.Name] = entry
	}

	now := time.Now()
	p.ID = uuid.NewString()
	p.Version = len(entry.versions) + 1
	p.CreatedAt = now
	p.RefreshHealth()

	entry.versions = append(entry.versions, clone(p))
	entry.lastUsed = now
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, name string) (*MountProfile, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entry, exists := s.entries[name]
	if !exists || len(entry.versions) == 0 {
		return nil, ErrNotFound
	}
	entry.lastUsed = time.Now()
	p := clone(&entry.versions[len(entry.versions)-1])
	return &p, nil
}

func (s *MemoryStore) Versions(ctx context.Context, name string) ([]MountProfile, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	entry, exists := s.entries[name]
	if !exists {
		return nil, ErrNotFound
	}
	out := make([]MountProfile, len(entry.versions))
	for i := range entry.versions {
		out[i] = clone(&entry.versions[i])
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]MountProfile, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]MountProfile, 0, len(s.entries))
	for _, entry := range s.entries {
		if n := len(entry.versions); n > 0 {
			out = append(out, clone(&entry.versions[n-1]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	versions := 0
	for _, entry := range s.entries {
		versions += len(entry.versions)
	}
	return &Stats{Backend: "memory", Profiles: len(s.entries), Versions: versions}, nil
}

func (s *MemoryStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) evictLRU() {
	var oldestName string
	var oldestTime time.Time

	for name, entry := range s.entries {
		if oldestName == "" || entry.lastUsed.Before(oldestTime) {
			oldestName = name
			oldestTime = entry.lastUsed
		}
	}

	if oldestName != "" {
		s.logger.Warn("Evicting mount profile from memory store", zap.String("name", oldestName))
		delete(s.entries, oldestName)
	}
}

// clone copies a profile so callers never share the stored fit.
func clone(p *MountProfile) MountProfile {
	out := *p
	if p.Fit != nil {
		fit := *p.Fit
		fit.Residuals = append([]float64(nil), p.Fit.Residuals...)
		if p.Fit.WorstIMUStdDeg != nil {
			v := *p.Fit.WorstIMUStdDeg
			fit.WorstIMUStdDeg = &v
		}
		out.Fit = &fit
	}
	return out
}
