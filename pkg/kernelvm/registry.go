package kernelvm

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// ErrDuplicateHandler is returned when an (id, version) pair is registered twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// EvaluateFunc evaluates a child node. A nil input inherits the caller's input.
type EvaluateFunc func(node contracts.ASTNode, ectx *contracts.EvaluationContext, input any) contracts.HandlerResult

// ExecuteFunc is a handler body. A returned error is reported as a runtime
// fault (status=error); business failures are returned as results.
type ExecuteFunc func(config map[string]any, input any, ectx *contracts.EvaluationContext, eval EvaluateFunc) (contracts.HandlerResult, error)

// HandlerDefinition is one versioned instruction of the kernel.
type HandlerDefinition struct {
	contracts.HandlerMetadata
	Execute ExecuteFunc
}

// Registry maps handler ids to their registered versions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]HandlerDefinition
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]HandlerDefinition)}
}

// Register adds a handler. Registering an existing (id, version) pair is a
// configuration error.
func (r *Registry) Register(def HandlerDefinition) error {
	if def.ID == "" || def.Version == "" {
		return fmt.Errorf("handler definition requires id and version")
	}
	if def.Execute == nil {
		return fmt.Errorf("handler %s@%s has no execute function", def.ID, def.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.handlers[def.ID]
	if !ok {
		versions = make(map[string]HandlerDefinition)
		r.handlers[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("%w: %s@%s", ErrDuplicateHandler, def.ID, def.Version)
	}
	versions[def.Version] = def
	return nil
}

// MustRegister registers every definition and panics on the first error.
// Intended for process setup.
func (r *Registry) MustRegister(defs ...HandlerDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get returns the latest version of a handler.
func (r *Registry) Get(id string) (HandlerDefinition, bool) {
	return r.Resolve(id, "")
}

// Resolve returns the exact version when version is set, otherwise the latest.
func (r *Registry) Resolve(id, version string) (HandlerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.handlers[id]
	if !ok || len(versions) == 0 {
		return HandlerDefinition{}, false
	}
	if version != "" {
		def, ok := versions[version]
		return def, ok
	}
	return latest(versions), true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	return ok
}

// List returns the metadata of the latest version of every handler, sorted by id.
func (r *Registry) List() []contracts.HandlerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contracts.HandlerMetadata, 0, len(r.handlers))
	for _, versions := range r.handlers {
		out = append(out, latest(versions).HandlerMetadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered handler id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func latest(versions map[string]HandlerDefinition) HandlerDefinition {
	var best HandlerDefinition
	first := true
	for v, def := range versions {
		c := 1
		if !first {
			c = CompareVersions(v, best.Version)
		}
		// equal numeric versions ("2" and "2.0") fall back to string order
		if c > 0 || (c == 0 && v > best.Version) {
			best = def
			first = false
		}
	}
	return best
}

// CompareVersions compares dotted numeric versions part by part. Missing or
// non-numeric parts count as zero, so "1.10" > "1.9" and "2" == "2.0.0".
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		x, y := versionPart(pa, i), versionPart(pb, i)
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}
