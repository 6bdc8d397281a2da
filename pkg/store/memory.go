package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// MemoryStore is an in-process LockStore and PackIndex.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[string]*contracts.ComplianceLock
	packs map[string]map[string]*PublishedPack
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[string]*contracts.ComplianceLock),
		packs: make(map[string]map[string]*PublishedPack),
	}
}

func (s *MemoryStore) SaveLock(_ context.Context, lock *contracts.ComplianceLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[lock.LockID]; ok {
		return fmt.Errorf("%w: %s", ErrLockExists, lock.LockID)
	}
	s.locks[lock.LockID] = copyLock(lock)
	return nil
}

func (s *MemoryStore) GetLock(_ context.Context, tenantID, lockID string) (*contracts.ComplianceLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[lockID]
	if !ok || l.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	return copyLock(l), nil
}

func (s *MemoryStore) ListLocks(_ context.Context, tenantID string) ([]*contracts.ComplianceLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*contracts.ComplianceLock{}
	for _, l := range s.locks {
		if l.TenantID == tenantID && l.Status == contracts.LockActive {
			out = append(out, copyLock(l))
		}
	}
	sortLocks(out)
	return out, nil
}

func (s *MemoryStore) Supersede(_ context.Context, tenantID, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[lockID]
	if !ok || l.TenantID != tenantID {
		return fmt.Errorf("%w: %s", ErrLockNotFound, lockID)
	}
	if l.Status == contracts.LockActive {
		l.Status = contracts.LockSuperseded
	}
	return nil
}

func (s *MemoryStore) Publish(_ context.Context, pack *PublishedPack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.packs[pack.Manifest.Name]
	if !ok {
		versions = make(map[string]*PublishedPack)
		s.packs[pack.Manifest.Name] = versions
	}
	if prev, ok := versions[pack.Manifest.Version]; ok {
		if prev.CID == pack.CID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrPackExists, pack.Manifest.Key())
	}
	cp := *pack
	versions[pack.Manifest.Version] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name, version string) (*PublishedPack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packs[name][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrPackNotFound, name, version)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Latest(ctx context.Context, name string) (*PublishedPack, error) {
	versions, err := s.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPackNotFound, name)
	}
	return s.Get(ctx, name, versions[0])
}

func (s *MemoryStore) ListVersions(_ context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.packs[name]))
	for v := range s.packs[name] {
		out = append(out, v)
	}
	sortVersionsDesc(out)
	return out, nil
}

func (s *MemoryStore) Search(_ context.Context, q SearchQuery) ([]*PublishedPack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*PublishedPack{}
	for _, versions := range s.packs {
		for _, p := range versions {
			if q.matches(p) {
				cp := *p
				out = append(out, &cp)
			}
		}
	}
	sortPacks(out)
	return out, nil
}
