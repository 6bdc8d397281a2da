package evaluation

import (
	"context"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

// DataSource supplies the reference data a rule reads through data_key
// references, such as prohibited-substance lists or related entities.
type DataSource interface {
	FetchData(ctx context.Context, ectx *contracts.EvaluationContext, keys []string) (map[string]any, error)
}

// DataSourceFunc adapts a function to DataSource.
type DataSourceFunc func(ctx context.Context, ectx *contracts.EvaluationContext, keys []string) (map[string]any, error)

func (f DataSourceFunc) FetchData(ctx context.Context, ectx *contracts.EvaluationContext, keys []string) (map[string]any, error) {
	return f(ctx, ectx, keys)
}

// RequiredDataKeys lists, sorted and without duplicates, the root keys of
// every data_key reference anywhere in ast, including nested rule nodes.
func RequiredDataKeys(ast contracts.ASTNode) []string {
	seen := map[string]bool{}
	collectDataKeys(ast.Config, seen)
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectDataKeys(v any, seen map[string]bool) {
	if tag, path, ok := kernelvm.ReferenceOf(v); ok {
		if tag == kernelvm.RefData {
			seen[rootKey(path)] = true
		}
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for _, item := range t {
			collectDataKeys(item, seen)
		}
	case []any:
		for _, item := range t {
			collectDataKeys(item, seen)
		}
	case contracts.ASTNode:
		collectDataKeys(t.Config, seen)
	case *contracts.ASTNode:
		if t != nil {
			collectDataKeys(t.Config, seen)
		}
	case []contracts.ASTNode:
		for _, n := range t {
			collectDataKeys(n.Config, seen)
		}
	}
}

// rootKey is the first segment of a dotted data path; that is the key a
// data source is asked for.
func rootKey(path string) string {
	head, _, _ := strings.Cut(path, ".")
	return head
}
