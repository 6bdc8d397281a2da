package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

// asList coerces a resolved value to a list; a scalar (including nil)
// becomes a one-element list.
func asList(v any) []any {
	if v == nil {
		return []any{nil}
	}
	items, _ := kernelvm.ToSlice(v)
	return items
}

// memberKey gives values a comparable identity. Numbers compare by value
// regardless of Go type and strings compare in Unicode NFC form.
func memberKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + norm.NFC.String(x)
	case bool:
		return "b:" + strconv.FormatBool(x)
	}
	if f, ok := kernelvm.ToFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("v:%v", v)
	}
	return "j:" + string(raw)
}

type valueSet map[string]struct{}

func newValueSet(items []any) valueSet {
	s := make(valueSet, len(items))
	for _, it := range items {
		s[memberKey(it)] = struct{}{}
	}
	return s
}

func (s valueSet) has(v any) bool {
	_, ok := s[memberKey(v)]
	return ok
}

func sameValue(a, b any) bool {
	return memberKey(a) == memberKey(b)
}
