package store

import (
	"context"
	"sync"
	"time"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

type profileEntry struct {
	profile   domain.Profile
	createdAt time.Time
}

// Memory keeps profiles in process memory with insertion-order eviction:
// expired entries go first, then the oldest once capacity is reached.
// A zero ttl disables expiry; a zero maxProfiles disables the cap.
type Memory struct {
	mu    sync.RWMutex
	order []string
	items map[string]*profileEntry

	proxies map[int64]domain.ProxyCredentials

	maxProfiles int
	ttl         time.Duration
	now         func() time.Time
}

func NewMemory(maxProfiles int, ttl time.Duration) *Memory {
	return &Memory{
		order:       make([]string, 0, maxProfiles),
		items:       make(map[string]*profileEntry, maxProfiles),
		proxies:     make(map[int64]domain.ProxyCredentials),
		maxProfiles: maxProfiles,
		ttl:         ttl,
		now:         time.Now,
	}
}

func (s *Memory) Get(ctx context.Context, browserID string) (domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.items[browserID]; ok && !s.expired(e) {
		return e.profile, nil
	}
	return domain.Profile{}, ErrNotFound
}

func (s *Memory) List(ctx context.Context) ([]domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Profile, 0, len(s.items))
	for _, id := range s.order { // preserve insertion order
		if e, ok := s.items[id]; ok && !s.expired(e) {
			out = append(out, e.profile)
		}
	}
	return out, nil
}

func (s *Memory) Create(ctx context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[p.BrowserID]; ok {
		return ErrExists
	}
	s.evictExpiredLocked()
	if s.maxProfiles > 0 && len(s.items) >= s.maxProfiles {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
	s.items[p.BrowserID] = &profileEntry{profile: p, createdAt: s.now()}
	s.order = append(s.order, p.BrowserID)
	return nil
}

func (s *Memory) Update(ctx context.Context, browserID string, data domain.ProfileData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[browserID]
	if !ok {
		return ErrNotFound
	}
	e.profile.Data = data
	return nil
}

func (s *Memory) SaveStorageState(ctx context.Context, browserID string, state domain.StorageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[browserID]
	if !ok {
		return ErrNotFound
	}
	e.profile.Data.StorageState = state
	return nil
}

func (s *Memory) Delete(ctx context.Context, browserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[browserID]; !ok {
		return ErrNotFound
	}
	delete(s.items, browserID)
	for i, id := range s.order {
		if id == browserID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Memory) GetProxy(ctx context.Context, id int64) (domain.ProxyCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.proxies[id]; ok {
		return c, nil
	}
	return domain.ProxyCredentials{}, ErrNotFound
}

func (s *Memory) PutProxy(ctx context.Context, creds domain.ProxyCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies[creds.ID] = creds
	return nil
}

func (s *Memory) expired(e *profileEntry) bool {
	return s.ttl > 0 && s.now().Sub(e.createdAt) > s.ttl
}

func (s *Memory) evictExpiredLocked() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	i := 0
	for i < len(s.order) {
		id := s.order[i]
		e := s.items[id]
		if e == nil || now.Sub(e.createdAt) > s.ttl {
			delete(s.items, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			continue
		}
		i++
	}
}
