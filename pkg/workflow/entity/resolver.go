package entity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tigerroll/entiflow/pkg/workflow/core/cache"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// reservedKeys are produced keys that map onto entity columns instead of field_data.
var reservedKeys = map[string]bool{
	"uuid":        true,
	"path":        true,
	"parent_uuid": true,
	"published":   true,
	"created_by":  true,
	"updated_by":  true,
}

const systemActor = "system"

// PersistenceContext is one record to persist as a dynamic entity.
type PersistenceContext struct {
	EntityType     string
	Produced       map[string]interface{} // Transformed record.
	Path           string                 // Explicit path, may contain {field} placeholders.
	RunUUID        string
	Actor          string // Acting identity; defaults to RunUUID.
	UpdateKey      string // Field used to find an existing entity. Empty means insert.
	SkipVersioning bool
	Published      *bool
	CreateOnly     bool // Return an existing entity untouched instead of updating it.
}

func (pc *PersistenceContext) actor() string {
	switch {
	case pc.Actor != "":
		return pc.Actor
	case pc.RunUUID != "":
		return pc.RunUUID
	}
	return systemActor
}

// Outcome describes what CreateOrUpdateEntity did.
type Outcome struct {
	EntityUUID string
	Created    bool
	Updated    bool
	Version    int
	Path       string
}

// Resolver turns transformed records into entity inserts and updates.
type Resolver struct {
	store       *Store
	definitions DefinitionService
	cache       cache.Manager
	locks       *KeyLock
	now         func() time.Time
}

// NewResolver creates a Resolver. A nil cache disables caching.
func NewResolver(store *Store, definitions DefinitionService, c cache.Manager) *Resolver {
	if c == nil {
		c = cache.NoOpManager{}
	}
	return &Resolver{
		store:       store,
		definitions: definitions,
		cache:       c,
		locks:       NewKeyLock(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying entity store.
func (r *Resolver) Store() *Store {
	return r.store
}

// ResolvePath returns the absolute path of an entity. explicit wins over a "path" value in
// produced; placeholders are filled from produced. An empty result is the root "/".
func (r *Resolver) ResolvePath(produced map[string]interface{}, explicit string) (string, error) {
	raw := explicit
	if raw == "" {
		if v, ok := produced["path"]; ok && v != nil {
			raw = dsl.Stringify(v)
		}
	}
	if strings.Contains(raw, "{") {
		rendered, err := dsl.RenderTemplate(raw, produced)
		if err != nil {
			return "", err
		}
		raw = rendered
	}
	return NormalizePath(raw)
}

// NormalizePath makes p absolute and removes empty segments. ".." is rejected.
func NormalizePath(p string) (string, error) {
	segments := strings.Split(strings.TrimSpace(p), "/")
	kept := segments[:0]
	for _, s := range segments {
		s = strings.TrimSpace(s)
		switch s {
		case "", ".":
			continue
		case "..":
			return "", exception.Newf(exception.ValidationError, moduleName, "path '%s' must not contain '..'", p)
		}
		kept = append(kept, s)
	}
	return "/" + strings.Join(kept, "/"), nil
}

// GetOrCreateParentEntity materializes every folder of path and returns the UUID of the last
// one. The root "/" has no folder and yields nil.
func (r *Resolver) GetOrCreateParentEntity(ctx context.Context, path string) (*string, error) {
	if path == "/" {
		return nil, nil
	}
	var parent *string
	current := ""
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		current += "/" + segment
		folder, err := r.store.EnsureFolder(ctx, current, parent)
		if err != nil {
			return nil, err
		}
		id := folder.UUID
		parent = &id
	}
	return parent, nil
}

// FindExistingEntity returns the entity of entityType whose updateKey field equals the
// produced value, or nil when updateKey is empty or nothing matches.
func (r *Resolver) FindExistingEntity(ctx context.Context, entityType, updateKey string, produced map[string]interface{}) (*model.DynamicEntity, error) {
	if updateKey == "" {
		return nil, nil
	}
	value, err := updateKeyValue(entityType, updateKey, produced)
	if err != nil {
		return nil, err
	}
	var found *model.DynamicEntity
	if updateKey == "uuid" {
		found, err = r.store.FindByUUID(ctx, dsl.Stringify(value))
		if err == nil && found.EntityType != entityType {
			return nil, exception.Newf(exception.ValidationError, moduleName,
				"entity '%s' is a %s, not a %s", found.UUID, found.EntityType, entityType)
		}
	} else {
		found, err = r.store.FindByKey(ctx, entityType, EntityKey(updateKey, value))
	}
	if errors.Is(err, ErrEntityNotFound) {
		return nil, nil
	}
	return found, err
}

func updateKeyValue(entityType, updateKey string, produced map[string]interface{}) (interface{}, error) {
	v, ok := dsl.Resolve(produced, updateKey)
	if !ok || v == nil || dsl.Stringify(v) == "" {
		return nil, exception.Newf(exception.ValidationError, moduleName,
			"%s record has no value for update key '%s'", entityType, updateKey)
	}
	return v, nil
}

// EnsureAuditFields stamps actor as the last editor. An existing CreatedBy is preserved.
func (r *Resolver) EnsureAuditFields(e *model.DynamicEntity, actor string) {
	if e.CreatedBy == "" {
		e.CreatedBy = actor
	}
	e.UpdatedBy = actor
}

// CreateOrUpdateEntity inserts or updates the entity described by pc. Updates snapshot the
// previous state into the version history in the same transaction as the version increment.
func (r *Resolver) CreateOrUpdateEntity(ctx context.Context, pc PersistenceContext) (*Outcome, error) {
	if pc.EntityType == "" {
		return nil, exception.New(exception.ValidationError, moduleName, "entity type is required", nil)
	}
	def, err := r.definitions.GetByEntityType(ctx, pc.EntityType)
	if errors.Is(err, ErrDefinitionNotFound) {
		return nil, exception.Newf(exception.ValidationError, moduleName, "entity type '%s' is not defined", pc.EntityType)
	}
	if err != nil {
		return nil, err
	}
	path, err := r.ResolvePath(pc.Produced, pc.Path)
	if err != nil {
		return nil, err
	}

	lockKey := pc.EntityType + "|" + path
	if pc.UpdateKey != "" {
		value, err := updateKeyValue(pc.EntityType, pc.UpdateKey, pc.Produced)
		if err != nil {
			return nil, err
		}
		lockKey = pc.EntityType + "|" + EntityKey(pc.UpdateKey, value)
	}
	unlock := r.locks.Lock(lockKey)
	defer unlock()

	var out *Outcome
	for attempt := 0; ; attempt++ {
		raced := false
		err = r.store.TxManager.Do(ctx, func(ctx context.Context) error {
			var err error
			out, raced, err = r.upsert(ctx, pc, def, path)
			return err
		})
		if err == nil || !raced || attempt > 0 {
			break
		}
		logger.Debugf("Insert of %s at '%s' lost a race, retrying as update.", pc.EntityType, path)
	}
	if err != nil {
		return nil, err
	}
	r.cache.DeletePrefix(lookupPrefix(pc.EntityType))
	return out, nil
}

// upsert runs inside a transaction. raced reports an insert that hit a concurrent insert of
// the same key.
func (r *Resolver) upsert(ctx context.Context, pc PersistenceContext, def *model.EntityDefinition, path string) (*Outcome, bool, error) {
	fields := make(map[string]interface{}, len(pc.Produced))
	reserved := make(map[string]interface{})
	for k, v := range pc.Produced {
		if reservedKeys[k] {
			reserved[k] = v
			continue
		}
		fields[k] = v
	}

	parentUUID, err := r.GetOrCreateParentEntity(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if v, ok := reserved["parent_uuid"]; ok && v != nil {
		if parentUUID, err = r.checkParent(ctx, dsl.Stringify(v), path); err != nil {
			return nil, false, err
		}
	}

	existing, err := r.FindExistingEntity(ctx, pc.EntityType, pc.UpdateKey, pc.Produced)
	if err != nil {
		return nil, false, err
	}
	actor := pc.actor()
	now := r.now()
	published, err := publishedFlag(pc, reserved)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if pc.CreateOnly {
			return &Outcome{EntityUUID: existing.UUID, Version: existing.Version, Path: existing.Path}, false, nil
		}
		merged := existing.FieldData.Clone()
		for k, v := range fields {
			merged[k] = v
		}
		data, err := ValidateFields(def, merged, false)
		if err != nil {
			return nil, false, err
		}
		if !pc.SkipVersioning {
			snapshot := &model.EntityVersion{
				UUID:          model.NewID(),
				EntityUUID:    existing.UUID,
				VersionNumber: existing.Version,
				Data:          existing.Snapshot(),
				CreatedAt:     now,
				CreatedBy:     actor,
			}
			if err := r.store.InsertVersion(ctx, snapshot); err != nil {
				return nil, false, err
			}
		}
		updated := *existing
		updated.FieldData = data
		updated.Path = path
		updated.ParentUUID = parentUUID
		updated.UpdatedAt = now
		updated.Version = existing.Version + 1
		if published != nil {
			updated.Published = *published
		}
		r.EnsureAuditFields(&updated, actor)
		if err := r.store.Update(ctx, &updated, existing.Version); err != nil {
			return nil, false, err
		}
		if err := r.store.ClaimUniqueValues(ctx, &updated, uniqueFields(def)); err != nil {
			return nil, false, err
		}
		return &Outcome{EntityUUID: updated.UUID, Updated: true, Version: updated.Version, Path: path}, false, nil
	}

	data, err := ValidateFields(def, fields, true)
	if err != nil {
		return nil, false, err
	}
	e := &model.DynamicEntity{
		UUID:       model.NewID(),
		EntityType: pc.EntityType,
		Path:       path,
		ParentUUID: parentUUID,
		FieldData:  data,
		CreatedAt:  now,
		UpdatedAt:  now,
		Published:  true,
		Version:    1,
	}
	if published != nil {
		e.Published = *published
	}
	if v, ok := reserved["uuid"]; ok && v != nil {
		id, err := uuid.Parse(dsl.Stringify(v))
		if err != nil {
			return nil, false, exception.Newf(exception.ValidationError, moduleName, "'%v' is not a valid uuid", v)
		}
		e.UUID = id.String()
	}
	e.EntityKey = e.UUID
	if pc.UpdateKey != "" && pc.UpdateKey != "uuid" {
		value, _ := updateKeyValue(pc.EntityType, pc.UpdateKey, pc.Produced)
		e.EntityKey = EntityKey(pc.UpdateKey, value)
	}
	if v, ok := reserved["created_by"]; ok && v != nil {
		e.CreatedBy = dsl.Stringify(v)
	}
	r.EnsureAuditFields(e, actor)
	if err := r.store.Insert(ctx, e); err != nil {
		return nil, exception.IsConflict(err) && pc.UpdateKey != "", err
	}
	if err := r.store.ClaimUniqueValues(ctx, e, uniqueFields(def)); err != nil {
		return nil, false, err
	}
	return &Outcome{EntityUUID: e.UUID, Created: true, Version: 1, Path: path}, false, nil
}

// checkParent verifies that the folder parentUUID sits at path.
func (r *Resolver) checkParent(ctx context.Context, parentUUID, path string) (*string, error) {
	folder, err := r.store.FindFolderByUUID(ctx, parentUUID)
	if errors.Is(err, ErrFolderNotFound) {
		return nil, exception.Newf(exception.ValidationError, moduleName, "parent folder '%s' does not exist", parentUUID)
	}
	if err != nil {
		return nil, err
	}
	if folder.Path != path {
		return nil, exception.Newf(exception.ValidationError, moduleName,
			"parent folder '%s' is at '%s', not at '%s'", parentUUID, folder.Path, path)
	}
	return &folder.UUID, nil
}

func publishedFlag(pc PersistenceContext, reserved map[string]interface{}) (*bool, error) {
	v, ok := reserved["published"]
	if !ok || v == nil {
		return pc.Published, nil
	}
	b, err := NormalizeValue(model.FieldBoolean, v)
	if err != nil {
		return nil, exception.Newf(exception.ValidationError, moduleName, "published: %v", err)
	}
	flag := b.(bool)
	return &flag, nil
}

func uniqueFields(def *model.EntityDefinition) []string {
	var out []string
	for _, f := range def.Fields {
		if f.Unique {
			out = append(out, f.Name)
		}
	}
	return out
}

// ListEntities returns entities of entityType as flat records: field_data plus the uuid, path,
// entity_type, version, published, created_at and updated_at columns.
func (r *Resolver) ListEntities(ctx context.Context, entityType string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	found, err := r.store.List(ctx, entityType, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(found))
	for i, e := range found {
		out[i] = Record(e)
	}
	return out, nil
}

// Record flattens e for the DSL.
func Record(e *model.DynamicEntity) map[string]interface{} {
	rec := make(map[string]interface{}, len(e.FieldData)+7)
	for k, v := range e.FieldData {
		rec[k] = v
	}
	rec["uuid"] = e.UUID
	rec["path"] = e.Path
	rec["entity_type"] = e.EntityType
	rec["version"] = e.Version
	rec["published"] = e.Published
	rec["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339)
	rec["updated_at"] = e.UpdatedAt.UTC().Format(time.RFC3339)
	return rec
}
