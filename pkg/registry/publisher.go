// Package registry publishes rule packs: a pack is linted, its suite run,
// its content stored in the artifact store and an entry recorded in the
// pack index. Published packs can be fetched back for installation.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/pack"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/store"
)

// ErrBundleMismatch is returned by Fetch when stored content no longer
// matches its index entry.
var ErrBundleMismatch = errors.New("pack bundle does not match index entry")

// Bundle is the artifact stored for a published pack version.
type Bundle struct {
	Manifest contracts.PackManifest     `json:"manifest"`
	Rule     *contracts.ASTNode         `json:"rule,omitempty"`
	Suite    *contracts.ValidationSuite `json:"suite,omitempty"`
}

// PublishResult reports what Publish did. Validation failures are reported
// here with Validated false; only storage failures are returned as errors.
type PublishResult struct {
	PublishID     string     `json:"publish_id,omitempty"`
	PackName      string     `json:"pack_name"`
	Version       string     `json:"version"`
	Validated     bool       `json:"validated"`
	Lint          LintResult `json:"lint"`
	Test          TestResult `json:"test"`
	Published     bool       `json:"published"`
	CID           string     `json:"cid,omitempty"`
	ContentDigest string     `json:"content_digest,omitempty"`
	ArtifactHash  string     `json:"artifact_hash,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type Publisher struct {
	index    store.PackIndex
	blobs    artifacts.Store
	registry *kernelvm.Registry
	validate []kernelvm.ValidateOption
	clock    func() time.Time
	log      *zap.Logger
}

type Option func(*Publisher)

// WithRegistry sets the handler registry used to lint and test packs.
func WithRegistry(r *kernelvm.Registry) Option {
	return func(p *Publisher) { p.registry = r }
}

// WithValidateOptions bounds the AST checks run by Publish.
func WithValidateOptions(opts ...kernelvm.ValidateOption) Option {
	return func(p *Publisher) { p.validate = append(p.validate, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.clock = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

func NewPublisher(index store.PackIndex, blobs artifacts.Store, opts ...Option) *Publisher {
	p := &Publisher{
		index: index,
		blobs: blobs,
		clock: time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = handlers.NewDefaultRegistry()
	}
	return p
}

// Publish validates lp and, unless dryRun, stores it. Re-publishing
// identical content is idempotent.
func (p *Publisher) Publish(ctx context.Context, lp *pack.LoadedPack, dryRun bool) (*PublishResult, error) {
	res := &PublishResult{PackName: lp.Manifest.Name, Version: lp.Manifest.Version}

	res.Lint = Lint(lp, p.registry, p.validate...)
	if !res.Lint.Valid {
		res.Error = fmt.Sprintf("lint failed: %d error(s)", len(res.Lint.Errors))
		return res, nil
	}
	res.Test = Test(lp, p.registry, p.clock, p.validate...)
	if !res.Test.AllPassed {
		res.Error = fmt.Sprintf("tests failed: %d/%d", res.Test.Failed, res.Test.Total)
		return res, nil
	}
	res.Validated = true

	cid, err := pack.CID(lp.Manifest)
	if err != nil {
		return res, err
	}
	digest, err := pack.ContentDigest(lp)
	if err != nil {
		return res, err
	}
	res.CID, res.ContentDigest = cid, digest
	if dryRun {
		return res, nil
	}

	data, err := canonicalize.JCS(Bundle{Manifest: lp.Manifest, Rule: lp.Rule, Suite: lp.Suite})
	if err != nil {
		return res, fmt.Errorf("encode bundle %s: %w", lp.Key(), err)
	}
	hash, err := p.blobs.Put(ctx, data)
	if err != nil {
		return res, fmt.Errorf("store bundle %s: %w", lp.Key(), err)
	}
	res.ArtifactHash = hash

	entry := &store.PublishedPack{
		Manifest:      lp.Manifest,
		CID:           cid,
		ContentDigest: digest,
		ArtifactHash:  hash,
		PublishedAt:   p.clock().UTC(),
	}
	if err := p.index.Publish(ctx, entry); err != nil {
		return res, fmt.Errorf("index %s: %w", lp.Key(), err)
	}
	res.Published = true
	res.PublishID = uuid.NewString()
	p.log.Info("pack published",
		zap.String("publish_id", res.PublishID),
		zap.String("pack", lp.Key()),
		zap.String("cid", cid),
		zap.String("artifact", hash))
	return res, nil
}

// Fetch loads a published pack. An empty version or "latest" selects the
// highest published version.
func (p *Publisher) Fetch(ctx context.Context, name, version string) (*pack.LoadedPack, error) {
	var (
		entry *store.PublishedPack
		err   error
	)
	if version == "" || version == "latest" {
		entry, err = p.index.Latest(ctx, name)
	} else {
		entry, err = p.index.Get(ctx, name, version)
	}
	if err != nil {
		return nil, err
	}
	return p.load(ctx, entry)
}

func (p *Publisher) load(ctx context.Context, entry *store.PublishedPack) (*pack.LoadedPack, error) {
	data, err := p.blobs.Get(ctx, entry.ArtifactHash)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entry.Manifest.Key(), err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", entry.Manifest.Key(), err)
	}
	lp := &pack.LoadedPack{Manifest: b.Manifest, Rule: b.Rule, Suite: b.Suite}
	digest, err := pack.ContentDigest(lp)
	if err != nil {
		return nil, err
	}
	if digest != entry.ContentDigest {
		return nil, fmt.Errorf("%w: %s has digest %s, index records %s",
			ErrBundleMismatch, entry.Manifest.Key(), digest, entry.ContentDigest)
	}
	return lp, nil
}

// AvailablePacks fetches the published dependency closure of root, keyed
// by pack name, for pack.CreateInstallPlan. Each dependency resolves to the
// highest published version satisfying its constraint. Dependencies with
// no matching version are left out so the install plan reports them.
func (p *Publisher) AvailablePacks(ctx context.Context, root *pack.LoadedPack) (map[string]*pack.LoadedPack, error) {
	out := make(map[string]*pack.LoadedPack)
	queue := []*pack.LoadedPack{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		names := make([]string, 0, len(cur.Manifest.Dependencies))
		for name := range cur.Manifest.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if _, seen := out[name]; seen {
				continue
			}
			version, err := p.match(ctx, name, cur.Manifest.Dependencies[name])
			if err != nil {
				return nil, err
			}
			if version == "" {
				p.log.Debug("no published version satisfies dependency",
					zap.String("pack", cur.Manifest.Key()),
					zap.String("dependency", name),
					zap.String("constraint", cur.Manifest.Dependencies[name]))
				continue
			}
			dep, err := p.Fetch(ctx, name, version)
			if err != nil {
				return nil, err
			}
			out[name] = dep
			queue = append(queue, dep)
		}
	}
	return out, nil
}

// match returns the highest published version of name within constraint,
// or "" when there is none. An empty or "*" constraint accepts any version.
func (p *Publisher) match(ctx context.Context, name, constraint string) (string, error) {
	versions, err := p.index.ListVersions(ctx, name)
	if err != nil {
		return "", err
	}
	if constraint == "" || constraint == "*" || constraint == "latest" {
		if len(versions) == 0 {
			return "", nil
		}
		return versions[0], nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return "", fmt.Errorf("dependency %s: invalid constraint %q: %w", name, constraint, err)
	}
	for _, v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if c.Check(sv) {
			return v, nil
		}
	}
	return "", nil
}
