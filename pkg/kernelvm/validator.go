package kernelvm

import (
	"fmt"

	"github.com/agext/levenshtein"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// DefaultMaxDepth bounds rule tree nesting during static validation.
const DefaultMaxDepth = 50

// maxSuggestionDistance caps how different an unknown id may be from a
// registered one before no suggestion is offered.
const maxSuggestionDistance = 4

// childNodeKeys lists, per composition handler, the config keys holding child nodes.
var childNodeKeys = map[string][]string{
	"core:and":      {"conditions"},
	"core:or":       {"conditions"},
	"core:not":      {"condition"},
	"core:if_then":  {"if", "then", "else"},
	"core:pipe":     {"steps"},
	"core:for_each": {"validation"},
}

// ChildNodeKeys returns the config keys that hold child nodes for handler.
func ChildNodeKeys(handler string) []string {
	return childNodeKeys[handler]
}

type validateOptions struct {
	maxDepth int
}

type ValidateOption func(*validateOptions)

func WithMaxDepth(n int) ValidateOption {
	return func(o *validateOptions) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

type validator struct {
	registry   *Registry
	maxDepth   int
	errors     []contracts.ASTValidationError
	seen       map[string]bool
	used       []string
	complexity int
}

// ValidateAST statically checks a rule tree: every handler must be
// registered, nesting must stay within the depth cap, and composition
// handlers must hold nodes under their child keys.
func ValidateAST(ast contracts.ASTNode, registry *Registry, opts ...ValidateOption) contracts.ASTValidationResult {
	o := validateOptions{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if registry == nil {
		registry = NewRegistry()
	}

	v := &validator{
		registry: registry,
		maxDepth: o.maxDepth,
		errors:   []contracts.ASTValidationError{},
		seen:     make(map[string]bool),
		used:     []string{},
	}
	v.walk(ast, RootPath, 0)

	return contracts.ASTValidationResult{
		Valid:               len(v.errors) == 0,
		Errors:              v.errors,
		HandlersUsed:        v.used,
		EstimatedComplexity: v.complexity,
	}
}

func (v *validator) walk(node contracts.ASTNode, path string, depth int) {
	if depth > v.maxDepth {
		v.errors = append(v.errors, contracts.ASTValidationError{
			Path:  path,
			Error: fmt.Sprintf("Maximum AST depth (%d) exceeded: possible circular reference", v.maxDepth),
		})
		return
	}

	v.complexity++

	if !v.registry.Has(node.Handler) {
		v.errors = append(v.errors, contracts.ASTValidationError{
			Path:       path,
			Error:      "Unknown handler: " + node.Handler,
			Suggestion: v.suggest(node.Handler),
		})
		return
	}

	if !v.seen[node.Handler] {
		v.seen[node.Handler] = true
		v.used = append(v.used, node.Handler)
	}

	for _, key := range childNodeKeys[node.Handler] {
		raw, ok := node.Config[key]
		if !ok || raw == nil {
			continue
		}
		if items, isList := nodeList(raw); isList {
			for i, item := range items {
				childPath := fmt.Sprintf("%s.%s[%d]", path, key, i)
				child, ok := AsNode(item)
				if !ok {
					v.errors = append(v.errors, contracts.ASTValidationError{
						Path:  childPath,
						Error: fmt.Sprintf("Expected an AST node under %q", key),
					})
					continue
				}
				v.walk(child, childPath, depth+1)
			}
			continue
		}
		childPath := path + "." + key
		child, ok := AsNode(raw)
		if !ok {
			v.errors = append(v.errors, contracts.ASTValidationError{
				Path:  childPath,
				Error: fmt.Sprintf("Expected an AST node under %q", key),
			})
			continue
		}
		v.walk(child, childPath, depth+1)
	}
}

func (v *validator) suggest(id string) string {
	best, bestDist := "", maxSuggestionDistance+1
	for _, known := range v.registry.IDs() {
		d := levenshtein.Distance(id, known, nil)
		if d < bestDist {
			best, bestDist = known, d
		}
	}
	if best == "" {
		return ""
	}
	return fmt.Sprintf("Did you mean %s?", best)
}

func nodeList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []contracts.ASTNode:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	}
	return nil, false
}

// AsNode interprets v as an AST node. Decoded JSON maps qualify when they
// carry a string "handler" and a "config" key.
func AsNode(v any) (contracts.ASTNode, bool) {
	switch n := v.(type) {
	case contracts.ASTNode:
		return n, true
	case *contracts.ASTNode:
		if n == nil {
			return contracts.ASTNode{}, false
		}
		return *n, true
	case map[string]any:
		handler, ok := n["handler"].(string)
		if !ok {
			return contracts.ASTNode{}, false
		}
		rawConfig, hasConfig := n["config"]
		if !hasConfig {
			return contracts.ASTNode{}, false
		}
		config, _ := rawConfig.(map[string]any)
		label, _ := n["label"].(string)
		return contracts.ASTNode{Handler: handler, Config: config, Label: label}, true
	}
	return contracts.ASTNode{}, false
}
