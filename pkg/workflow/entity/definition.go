package entity

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	"github.com/tigerroll/entiflow/pkg/workflow/core/cache"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// DefinitionService returns entity definitions by type name.
type DefinitionService interface {
	GetByEntityType(ctx context.Context, entityType string) (*model.EntityDefinition, error)
}

// DefinitionStore persists entity definitions in entity_definitions.
type DefinitionStore struct {
	db *gorm.DB
}

var _ DefinitionService = (*DefinitionStore)(nil)

// NewDefinitionStore creates a DefinitionStore on conn.
func NewDefinitionStore(conn database.DBConnection) *DefinitionStore {
	return &DefinitionStore{db: conn.DB()}
}

// GetByEntityType implements DefinitionService.
func (s *DefinitionStore) GetByEntityType(ctx context.Context, entityType string) (*model.EntityDefinition, error) {
	var row EntityDefinitionEntity
	err := gormadapter.DB(ctx, s.db).Where("entity_type = ?", entityType).Take(&row).Error
	if gormadapter.IsNotFound(err) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to load definition of '%s'", entityType)
	}
	def, err := toDomainDefinition(&row)
	if err != nil {
		return nil, exception.Newf(exception.InternalError, moduleName, "definition of '%s' is corrupt", entityType, err)
	}
	return def, nil
}

// List returns all definitions ordered by type.
func (s *DefinitionStore) List(ctx context.Context) ([]*model.EntityDefinition, error) {
	var rows []EntityDefinitionEntity
	if err := gormadapter.DB(ctx, s.db).Order("entity_type").Find(&rows).Error; err != nil {
		return nil, wrap(err, "failed to list entity definitions")
	}
	out := make([]*model.EntityDefinition, 0, len(rows))
	for i := range rows {
		def, err := toDomainDefinition(&rows[i])
		if err != nil {
			return nil, exception.Newf(exception.InternalError, moduleName, "definition of '%s' is corrupt", rows[i].EntityType, err)
		}
		out = append(out, def)
	}
	return out, nil
}

// Save creates or replaces a definition.
func (s *DefinitionStore) Save(ctx context.Context, def *model.EntityDefinition) error {
	if err := CheckDefinition(def); err != nil {
		return err
	}
	now := time.Now().UTC()
	row, err := fromDomainDefinition(def, now)
	if err != nil {
		return exception.Newf(exception.InternalError, moduleName, "cannot encode definition of '%s'", def.EntityType, err)
	}
	err = gormadapter.DB(ctx, s.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return wrap(err, "failed to save definition of '%s'", def.EntityType)
	}
	def.UpdatedAt = now
	return nil
}

// Delete removes a definition. Entities of the type are left in place.
func (s *DefinitionStore) Delete(ctx context.Context, entityType string) error {
	res := gormadapter.DB(ctx, s.db).Where("entity_type = ?", entityType).Delete(&EntityDefinitionEntity{})
	if res.Error != nil {
		return wrap(res.Error, "failed to delete definition of '%s'", entityType)
	}
	if res.RowsAffected == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// CheckDefinition validates the shape of a definition.
func CheckDefinition(def *model.EntityDefinition) error {
	if !dsl.IsSafeIdentifier(def.EntityType) {
		return exception.Newf(exception.ValidationError, moduleName, "entity type '%s' is not a safe identifier", def.EntityType)
	}
	seen := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if !dsl.IsSafeIdentifier(f.Name) {
			return exception.Newf(exception.ValidationError, moduleName, "field '%s' of '%s' is not a safe identifier", f.Name, def.EntityType)
		}
		if reservedKeys[f.Name] {
			return exception.Newf(exception.ValidationError, moduleName, "field '%s' of '%s' is reserved", f.Name, def.EntityType)
		}
		if seen[f.Name] {
			return exception.Newf(exception.ValidationError, moduleName, "field '%s' of '%s' is declared twice", f.Name, def.EntityType)
		}
		seen[f.Name] = true
		if !knownFieldType(f.Type) {
			return exception.Newf(exception.ValidationError, moduleName, "field '%s' of '%s' has unknown type '%s'", f.Name, def.EntityType, f.Type)
		}
	}
	return nil
}

func knownFieldType(t model.FieldType) bool {
	switch t {
	case model.FieldString, model.FieldText, model.FieldInteger, model.FieldNumber, model.FieldBoolean,
		model.FieldDate, model.FieldDateTime, model.FieldJSON, model.FieldArray, model.FieldUUID:
		return true
	}
	return false
}

// CachedDefinitionService answers from the cache and falls back to the store. Writes go
// through the store and invalidate the cached entry.
type CachedDefinitionService struct {
	store *DefinitionStore
	cache cache.Manager
	ttl   time.Duration
}

var _ DefinitionService = (*CachedDefinitionService)(nil)

// NewCachedDefinitionService wraps store with c.
func NewCachedDefinitionService(store *DefinitionStore, c cache.Manager, ttl time.Duration) *CachedDefinitionService {
	return &CachedDefinitionService{store: store, cache: c, ttl: ttl}
}

func definitionCacheKey(entityType string) string {
	return fmt.Sprintf("entity:def:%s", entityType)
}

// GetByEntityType implements DefinitionService.
func (s *CachedDefinitionService) GetByEntityType(ctx context.Context, entityType string) (*model.EntityDefinition, error) {
	key := definitionCacheKey(entityType)
	if v, ok := s.cache.Get(key); ok {
		if def, ok := v.(*model.EntityDefinition); ok {
			return def, nil
		}
	}
	def, err := s.store.GetByEntityType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, def, s.ttl)
	return def, nil
}

// Save stores def and drops its cached copy.
func (s *CachedDefinitionService) Save(ctx context.Context, def *model.EntityDefinition) error {
	defer s.cache.Delete(definitionCacheKey(def.EntityType))
	return s.store.Save(ctx, def)
}

// Delete removes the definition and drops its cached copy.
func (s *CachedDefinitionService) Delete(ctx context.Context, entityType string) error {
	defer s.cache.Delete(definitionCacheKey(entityType))
	return s.store.Delete(ctx, entityType)
}
