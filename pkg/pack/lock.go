package pack

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// LockIDPrefix starts every generated lock id.
const LockIDPrefix = "lock_"

// CID is the content identifier a lock records for a pack: the SHA-256 of
// the JSON encoding of its manifest. Rule and suite bytes are not covered;
// ContentDigest is the digest that covers them.
func CID(m contracts.PackManifest) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest %s: %w", m.Key(), err)
	}
	return canonicalize.HashBytes(b), nil
}

// ContentDigest is the "sha256:" prefixed RFC 8785 digest of the manifest,
// rule and suite together.
func ContentDigest(p *LoadedPack) (string, error) {
	return canonicalize.Digest(struct {
		Manifest contracts.PackManifest     `json:"manifest"`
		Rule     *contracts.ASTNode         `json:"rule"`
		Suite    *contracts.ValidationSuite `json:"suite"`
	}{p.Manifest, p.Rule, p.Suite})
}

// lockSchemas pins every schema the closure requires. Two packs asking for
// different versions of one schema cannot share a lock.
func lockSchemas(resolved []*LoadedPack) (map[string]contracts.LockedSchema, error) {
	schemas := map[string]contracts.LockedSchema{}
	owner := map[string]string{}
	for _, p := range resolved {
		for _, ref := range p.Manifest.RequiredSchemas {
			if prev, ok := schemas[ref.ID]; ok {
				if prev.Version != ref.Version {
					return nil, fmt.Errorf("schema conflict: %s requires %s@%s but %s requires %s@%s",
						p.Key(), ref.ID, ref.Version, owner[ref.ID], ref.ID, prev.Version)
				}
				continue
			}
			b, err := json.Marshal(ref)
			if err != nil {
				return nil, fmt.Errorf("encode schema ref %s: %w", ref.ID, err)
			}
			schemas[ref.ID] = contracts.LockedSchema{Version: ref.Version, CID: canonicalize.HashBytes(b)}
			owner[ref.ID] = p.Key()
		}
	}
	if len(schemas) == 0 {
		return nil, nil
	}
	return schemas, nil
}

func newLock(root *LoadedPack, resolved []*LoadedPack, tenantID, vmVersion string, now time.Time) (*contracts.ComplianceLock, error) {
	rootCID, err := CID(root.Manifest)
	if err != nil {
		return nil, err
	}

	packs := make(map[string]contracts.LockedPack, len(resolved))
	for _, p := range resolved {
		cid, err := CID(p.Manifest)
		if err != nil {
			return nil, err
		}
		digest, err := ContentDigest(p)
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", p.Key(), err)
		}
		entry := contracts.LockedPack{
			Version:       p.Manifest.Version,
			CID:           cid,
			TrustTier:     p.Manifest.TrustTier,
			ContentDigest: digest,
		}
		if p.Manifest.Author != nil {
			entry.PublisherDID = p.Manifest.Author.DID
		}
		packs[p.Key()] = entry
	}
	schemas, err := lockSchemas(resolved)
	if err != nil {
		return nil, err
	}

	return &contracts.ComplianceLock{
		LockID:         LockIDPrefix + uuid.NewString(),
		TenantID:       tenantID,
		Timestamp:      now.UTC(),
		HandlerVMExact: vmVersion,
		RootPack: contracts.LockedRoot{
			Name:    root.Manifest.Name,
			Version: root.Manifest.Version,
			CID:     rootCID,
		},
		Packs:   packs,
		Schemas: schemas,
		Status:  contracts.LockActive,
	}, nil
}
