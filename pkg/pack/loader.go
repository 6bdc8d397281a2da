package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// LoadPack reads the pack rooted at dir on the local filesystem.
func LoadPack(ctx context.Context, dir string) (*LoadedPack, error) {
	p, err := LoadPackFS(ctx, os.DirFS(dir), ".")
	if err != nil {
		return nil, err
	}
	p.Dir = dir
	return p, nil
}

// LoadPackFS reads the pack at dir inside fsys: pack.json, then the rule
// named by logic_root and the suite named by validation_suite.
func LoadPackFS(ctx context.Context, fsys fs.FS, dir string) (*LoadedPack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	manifestPath := path.Join(dir, ManifestFile)
	raw, err := fs.ReadFile(fsys, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestPath, err)
	}
	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manifestPath, err)
	}

	p := &LoadedPack{Manifest: manifest, Dir: dir}

	if manifest.LogicRoot != "" {
		data, err := readPackFile(ctx, fsys, dir, manifest.LogicRoot)
		if err != nil {
			return nil, fmt.Errorf("%s: logic_root: %w", manifest.Key(), err)
		}
		var rule contracts.ASTNode
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("%s: parse logic_root %s: %w", manifest.Key(), manifest.LogicRoot, err)
		}
		p.Rule = &rule
	}

	if manifest.ValidationSuite != "" {
		data, err := readPackFile(ctx, fsys, dir, manifest.ValidationSuite)
		if err != nil {
			return nil, fmt.Errorf("%s: validation_suite: %w", manifest.Key(), err)
		}
		if err := verifySuiteHash(manifest, data); err != nil {
			return nil, err
		}
		var suite contracts.ValidationSuite
		if err := json.Unmarshal(data, &suite); err != nil {
			return nil, fmt.Errorf("%s: parse validation_suite %s: %w", manifest.Key(), manifest.ValidationSuite, err)
		}
		p.Suite = &suite
	}

	return p, nil
}

func readPackFile(ctx context.Context, fsys fs.FS, dir, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel = filepath.ToSlash(rel)
	clean := path.Clean(rel)
	if path.IsAbs(rel) || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return fs.ReadFile(fsys, path.Join(dir, clean))
}

func verifySuiteHash(m contracts.PackManifest, data []byte) error {
	if m.ValidationHash == "" {
		return nil
	}
	want := strings.ToLower(strings.TrimPrefix(m.ValidationHash, canonicalize.DigestPrefix))
	got := canonicalize.HashBytes(data)
	if want != got {
		return fmt.Errorf("%s: %w: want %s, got %s", m.Key(), ErrSuiteHash, want, got)
	}
	return nil
}

// LoadPackDir loads every pack below root, keyed by pack name. When a name
// appears more than once the highest version wins.
func LoadPackDir(ctx context.Context, root string) (map[string]*LoadedPack, error) {
	packs, err := LoadPacksFS(ctx, os.DirFS(root), ".")
	if err != nil {
		return nil, err
	}
	for _, p := range packs {
		p.Dir = filepath.Join(root, filepath.FromSlash(p.Dir))
	}
	return packs, nil
}

// LoadPacksFS is LoadPackDir over an fs.FS.
func LoadPacksFS(ctx context.Context, fsys fs.FS, root string) (map[string]*LoadedPack, error) {
	packs := make(map[string]*LoadedPack)
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFile {
			return nil
		}
		loaded, err := LoadPackFS(ctx, fsys, path.Dir(p))
		if err != nil {
			return err
		}
		if prev, ok := packs[loaded.Manifest.Name]; ok && !newer(loaded.Manifest.Version, prev.Manifest.Version) {
			return nil
		}
		packs[loaded.Manifest.Name] = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return packs, nil
}

// newer reports a > b. Manifest versions are validated on load.
func newer(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a > b
	}
	return va.GreaterThan(vb)
}
