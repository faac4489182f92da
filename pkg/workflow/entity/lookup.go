package entity

import (
	"context"
	"errors"
	"fmt"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

type actorKey struct{}

// WithActor attaches the acting identity used for entities created during DSL evaluation.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the identity set by WithActor.
func ActorFrom(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}

func lookupPrefix(entityType string) string {
	return "lookup:" + entityType + ":"
}

func lookupKey(entityType, field string, value interface{}) string {
	return fmt.Sprintf("%s%s=%s", lookupPrefix(entityType), field, dsl.Stringify(value))
}

// LookupResolver answers the external refs of DSL programs from the entity store.
type LookupResolver struct {
	resolver *Resolver
}

var _ dsl.ExternalResolver = (*LookupResolver)(nil)

// NewLookupResolver creates a LookupResolver on r.
func NewLookupResolver(r *Resolver) *LookupResolver {
	return &LookupResolver{resolver: r}
}

// ResolveExternal implements dsl.ExternalResolver.
func (l *LookupResolver) ResolveExternal(ctx context.Context, refs []dsl.ExternalRef) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(refs))
	for _, ref := range refs {
		var (
			v   interface{}
			err error
		)
		switch ref.Kind {
		case dsl.RefLookup:
			v, err = l.lookup(ctx, ref)
		case dsl.RefGetOrCreate:
			v, err = l.getOrCreate(ctx, ref)
		default:
			err = exception.Newf(exception.ApplyError, moduleName, "unknown external reference kind '%s'", ref.Kind)
		}
		if err != nil {
			return nil, err
		}
		out[ref.Key()] = v
	}
	return out, nil
}

// find returns the entity whose field equals value, consulting the cache first.
func (l *LookupResolver) find(ctx context.Context, entityType, field string, value interface{}) (*model.DynamicEntity, error) {
	key := lookupKey(entityType, field, value)
	if v, ok := l.resolver.cache.Get(key); ok {
		if e, ok := v.(*model.DynamicEntity); ok {
			return e, nil
		}
	}
	e, err := l.resolver.store.FindByField(ctx, entityType, field, value)
	if err != nil {
		return nil, err
	}
	l.resolver.cache.Set(key, e, 0)
	return e, nil
}

func (l *LookupResolver) lookup(ctx context.Context, ref dsl.ExternalRef) (interface{}, error) {
	if ref.FilterValue == nil {
		return nil, nil
	}
	e, err := l.find(ctx, ref.EntityDefinition, ref.FilterField, ref.FilterValue)
	if errors.Is(err, ErrEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fieldOf(e, ref.Field), nil
}

func (l *LookupResolver) getOrCreate(ctx context.Context, ref dsl.ExternalRef) (interface{}, error) {
	if ref.FilterValue == nil || dsl.Stringify(ref.FilterValue) == "" {
		return nil, exception.Newf(exception.ApplyError, moduleName,
			"get_or_create %s needs a value for '%s'", ref.EntityDefinition, ref.FilterField)
	}
	e, err := l.find(ctx, ref.EntityDefinition, ref.FilterField, ref.FilterValue)
	if err == nil {
		return fieldOf(e, ref.ResultField), nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, err
	}

	produced := make(map[string]interface{}, len(ref.Fields)+1)
	for k, v := range ref.Fields {
		produced[k] = v
	}
	produced[ref.FilterField] = ref.FilterValue
	outcome, err := l.resolver.CreateOrUpdateEntity(ctx, PersistenceContext{
		EntityType: ref.EntityDefinition,
		Produced:   produced,
		Path:       ref.Path,
		Actor:      ActorFrom(ctx),
		UpdateKey:  ref.FilterField,
		CreateOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if ref.ResultField == "" || ref.ResultField == "uuid" {
		return outcome.EntityUUID, nil
	}
	created, err := l.resolver.store.FindByUUID(ctx, outcome.EntityUUID)
	if err != nil {
		return nil, err
	}
	return fieldOf(created, ref.ResultField), nil
}

func fieldOf(e *model.DynamicEntity, field string) interface{} {
	switch field {
	case "", "uuid":
		return e.UUID
	case "path":
		return e.Path
	case "published":
		return e.Published
	case "version":
		return e.Version
	}
	v, _ := dsl.Resolve(e.FieldData, field)
	return v
}
