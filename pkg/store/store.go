// Package store persists compliance locks and the index of published
// packs. Locks are immutable once saved apart from their status, which
// only ever moves from active to superseded.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

var (
	ErrLockNotFound = errors.New("lock not found")
	ErrLockExists   = errors.New("lock already exists")
	ErrPackNotFound = errors.New("pack not found")
	ErrPackExists   = errors.New("pack version already published with different content")
)

// LockStore persists ComplianceLocks per tenant.
type LockStore interface {
	// SaveLock stores a new lock. Saving an existing lock id fails with
	// ErrLockExists.
	SaveLock(ctx context.Context, lock *contracts.ComplianceLock) error
	GetLock(ctx context.Context, tenantID, lockID string) (*contracts.ComplianceLock, error)
	// ListLocks returns the tenant's active locks, newest first.
	ListLocks(ctx context.Context, tenantID string) ([]*contracts.ComplianceLock, error)
	// Supersede marks an active lock as superseded.
	Supersede(ctx context.Context, tenantID, lockID string) error
}

// PublishedPack is an index entry for a pack version in the registry.
type PublishedPack struct {
	Manifest      contracts.PackManifest `json:"manifest"`
	CID           string                 `json:"cid"`
	ContentDigest string                 `json:"content_digest"`
	// ArtifactHash addresses the pack bundle in the artifact store.
	ArtifactHash string    `json:"artifact_hash"`
	PublishedAt  time.Time `json:"published_at"`
}

// SearchQuery filters PackIndex.Search. Empty fields match everything.
type SearchQuery struct {
	Type     contracts.PackType `json:"type,omitempty"`
	Vertical string             `json:"vertical,omitempty"`
}

// PackIndex records published pack versions.
type PackIndex interface {
	// Publish records a pack version. Re-publishing the same manifest is a
	// no-op; a different manifest under the same version fails with
	// ErrPackExists.
	Publish(ctx context.Context, pack *PublishedPack) error
	Get(ctx context.Context, name, version string) (*PublishedPack, error)
	// Latest returns the highest semantic version of name.
	Latest(ctx context.Context, name string) (*PublishedPack, error)
	// ListVersions returns the versions of name, highest first.
	ListVersions(ctx context.Context, name string) ([]string, error)
	Search(ctx context.Context, q SearchQuery) ([]*PublishedPack, error)
}

func (q SearchQuery) matches(p *PublishedPack) bool {
	if q.Type != "" && p.Manifest.Type != q.Type {
		return false
	}
	if q.Vertical == "" {
		return true
	}
	if p.Manifest.Scope == nil {
		return false
	}
	for _, v := range p.Manifest.Scope.Verticals {
		if v == q.Vertical {
			return true
		}
	}
	return false
}

// versionGreater orders by semver. Unparseable versions sort after valid
// ones, lexically.
func versionGreater(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.GreaterThan(vb)
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a > b
}

func sortVersionsDesc(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versionGreater(versions[i], versions[j])
	})
}

// sortPacks orders by name, then highest version first.
func sortPacks(packs []*PublishedPack) {
	sort.SliceStable(packs, func(i, j int) bool {
		a, b := packs[i].Manifest, packs[j].Manifest
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return versionGreater(a.Version, b.Version)
	})
}

func sortLocks(locks []*contracts.ComplianceLock) {
	sort.SliceStable(locks, func(i, j int) bool {
		if !locks[i].Timestamp.Equal(locks[j].Timestamp) {
			return locks[i].Timestamp.After(locks[j].Timestamp)
		}
		return locks[i].LockID < locks[j].LockID
	})
}

func copyLock(l *contracts.ComplianceLock) *contracts.ComplianceLock {
	c := *l
	c.Packs = make(map[string]contracts.LockedPack, len(l.Packs))
	for k, v := range l.Packs {
		c.Packs[k] = v
	}
	if l.Schemas != nil {
		c.Schemas = make(map[string]contracts.LockedSchema, len(l.Schemas))
		for k, v := range l.Schemas {
			c.Schemas[k] = v
		}
	}
	return &c
}
