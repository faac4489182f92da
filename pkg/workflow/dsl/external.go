package dsl

import (
	"context"
	"encoding/json"
	"fmt"
)

// RefKind distinguishes the repository operations a program may request.
type RefKind string

const (
	RefLookup      RefKind = "lookup"        // Read one field of an existing entity.
	RefGetOrCreate RefKind = "get_or_create" // Find an entity by key, creating it when missing.
)

// ExternalRef is a repository access requested by a program.
type ExternalRef struct {
	Kind             RefKind                `json:"kind"`
	EntityDefinition string                 `json:"entity_definition"`
	FilterField      string                 `json:"filter_field"`
	FilterValue      interface{}            `json:"filter_value"`
	Field            string                 `json:"field,omitempty"`        // lookup
	Path             string                 `json:"path,omitempty"`         // get_or_create
	Fields           map[string]interface{} `json:"fields,omitempty"`       // get_or_create
	ResultField      string                 `json:"result_field,omitempty"` // get_or_create
}

// Key identifies the ref inside a resolved-values map. Equal refs produce equal keys.
func (r ExternalRef) Key() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%s|%s|%s=%v|%s", r.Kind, r.EntityDefinition, r.FilterField, r.FilterValue, r.Field)
	}
	return string(b)
}

// Placeholder stands for an external value that has not been resolved yet.
type Placeholder struct {
	Key string
}

// IsPlaceholder reports whether v is an unresolved external value.
func IsPlaceholder(v interface{}) bool {
	_, ok := v.(Placeholder)
	return ok
}

// ExternalResolver answers external refs, keyed by ExternalRef.Key.
// A lookup that matches no entity resolves to nil.
type ExternalResolver interface {
	ResolveExternal(ctx context.Context, refs []ExternalRef) (map[string]interface{}, error)
}

// ExternalResolverFunc adapts a function to ExternalResolver.
type ExternalResolverFunc func(ctx context.Context, refs []ExternalRef) (map[string]interface{}, error)

// ResolveExternal implements ExternalResolver.
func (f ExternalResolverFunc) ResolveExternal(ctx context.Context, refs []ExternalRef) (map[string]interface{}, error) {
	return f(ctx, refs)
}

// Evaluate applies the program to input, resolving external refs through resolver until none
// remain. It gives up after len(steps)+1 passes, since each pass can unblock at least one step.
func (p *Program) Evaluate(ctx context.Context, input map[string]interface{}, resolver ExternalResolver) (*Result, error) {
	resolved := make(map[string]interface{})
	maxPasses := len(p.Steps) + 1
	for pass := 0; pass < maxPasses; pass++ {
		res, err := p.ApplyWith(input, resolved)
		if err != nil {
			return nil, err
		}
		if len(res.Pending) == 0 {
			return res, nil
		}
		if resolver == nil {
			return nil, applyErrorf("%d external reference(s) cannot be resolved without a resolver", len(res.Pending))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values, err := resolver.ResolveExternal(ctx, res.Pending)
		if err != nil {
			return nil, err
		}
		progressed := false
		for _, ref := range res.Pending {
			key := ref.Key()
			if v, ok := values[key]; ok {
				resolved[key] = v
				progressed = true
			}
		}
		if !progressed {
			return nil, applyErrorf("resolver returned no value for %d pending reference(s)", len(res.Pending))
		}
	}
	return nil, applyErrorf("external references still unresolved after %d passes", maxPasses)
}

// Evaluate is a convenience for prog.Evaluate.
func Evaluate(ctx context.Context, prog *Program, input map[string]interface{}, resolver ExternalResolver) (*Result, error) {
	return prog.Evaluate(ctx, input, resolver)
}
