package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const moduleName = "entity"

var (
	// ErrEntityNotFound is returned when no dynamic entity matches.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrDefinitionNotFound is returned when an entity type has no definition.
	ErrDefinitionNotFound = errors.New("entity definition not found")
	// ErrFolderNotFound is returned when no folder matches.
	ErrFolderNotFound = errors.New("entity folder not found")
)

const scanBatchSize = 500

// Store is the gorm-backed dynamic entity store. Every method joins a transaction carried by
// ctx when it was opened through Store.TxManager.
type Store struct {
	db        *gorm.DB
	TxManager *gormadapter.TransactionManager
}

// NewStore creates a Store on conn.
func NewStore(conn database.DBConnection) *Store {
	return &Store{db: conn.DB(), TxManager: gormadapter.NewTransactionManager(conn.DB())}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return gormadapter.DB(ctx, s.db)
}

// locking adds a row lock when running inside a transaction. Dialects without FOR UPDATE
// (sqlite) drop the clause; their write transactions are serialized anyway.
func (s *Store) locking(ctx context.Context, db *gorm.DB) *gorm.DB {
	if gormadapter.InTx(ctx, s.db) {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func wrap(err error, format string, args ...interface{}) error {
	return gormadapter.WrapError(moduleName, fmt.Sprintf(format, args...), err)
}

// FindByUUID returns the entity with the given UUID.
func (s *Store) FindByUUID(ctx context.Context, uuid string) (*model.DynamicEntity, error) {
	var e DynamicEntityEntity
	err := s.locking(ctx, s.conn(ctx)).Where("uuid = ?", uuid).Take(&e).Error
	if gormadapter.IsNotFound(err) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find entity '%s'", uuid)
	}
	return toDomainEntity(&e), nil
}

// FindByKey returns the entity of entityType with the given business key.
func (s *Store) FindByKey(ctx context.Context, entityType, key string) (*model.DynamicEntity, error) {
	var e DynamicEntityEntity
	err := s.locking(ctx, s.conn(ctx)).Where("entity_type = ? AND entity_key = ?", entityType, key).Take(&e).Error
	if gormadapter.IsNotFound(err) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find %s '%s'", entityType, key)
	}
	return toDomainEntity(&e), nil
}

// FindByUniqueValue returns the entity holding value in the unique field.
func (s *Store) FindByUniqueValue(ctx context.Context, entityType, field string, value interface{}) (*model.DynamicEntity, error) {
	var claim UniqueValueEntity
	err := s.conn(ctx).
		Where("entity_type = ? AND field_name = ? AND value_hash = ?", entityType, field, valueHash(value)).
		Take(&claim).Error
	if gormadapter.IsNotFound(err) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to look up unique %s.%s", entityType, field)
	}
	return s.FindByUUID(ctx, claim.EntityUUID)
}

// FindByField returns the first entity (oldest first) whose field equals value. Values are
// compared in their text form, so 10 matches "10".
func (s *Store) FindByField(ctx context.Context, entityType, field string, value interface{}) (*model.DynamicEntity, error) {
	if field == "uuid" {
		return s.FindByUUID(ctx, dsl.Stringify(value))
	}
	if e, err := s.FindByKey(ctx, entityType, EntityKey(field, value)); !errors.Is(err, ErrEntityNotFound) {
		return e, err
	}
	if e, err := s.FindByUniqueValue(ctx, entityType, field, value); !errors.Is(err, ErrEntityNotFound) {
		return e, err
	}
	found, err := s.List(ctx, entityType, map[string]interface{}{field: value}, 1)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrEntityNotFound
	}
	return found[0], nil
}

// List returns entities of entityType matching every filter entry, oldest first. Filter keys
// name a field of field_data or one of the columns uuid, path, entity_key, published.
// limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, entityType string, filter map[string]interface{}, limit int) ([]*model.DynamicEntity, error) {
	q := s.conn(ctx).Model(&DynamicEntityEntity{}).Where("entity_type = ?", entityType)
	remaining := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		switch k {
		case "uuid", "path", "entity_key":
			q = q.Where(k+" = ?", dsl.Stringify(v))
		case "published":
			b, _ := v.(bool)
			q = q.Where("published = ?", b)
		default:
			remaining[k] = v
		}
	}
	q = q.Order("created_at, uuid")
	if len(remaining) == 0 {
		if limit > 0 {
			q = q.Limit(limit)
		}
		var rows []DynamicEntityEntity
		if err := q.Find(&rows).Error; err != nil {
			return nil, wrap(err, "failed to list %s entities", entityType)
		}
		out := make([]*model.DynamicEntity, len(rows))
		for i := range rows {
			out[i] = toDomainEntity(&rows[i])
		}
		return out, nil
	}

	// Field filters are matched in memory, page by page.
	var out []*model.DynamicEntity
	for offset := 0; ; offset += scanBatchSize {
		var rows []DynamicEntityEntity
		if err := q.Session(&gorm.Session{}).Limit(scanBatchSize).Offset(offset).Find(&rows).Error; err != nil {
			return nil, wrap(err, "failed to scan %s entities", entityType)
		}
		for i := range rows {
			e := toDomainEntity(&rows[i])
			if matches(e.FieldData, remaining) {
				out = append(out, e)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(rows) < scanBatchSize {
			return out, nil
		}
	}
}

func matches(data model.JSONMap, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := dsl.Resolve(data, k)
		if !ok || dsl.Stringify(got) != dsl.Stringify(want) {
			return false
		}
	}
	return true
}

// Insert creates e.
func (s *Store) Insert(ctx context.Context, e *model.DynamicEntity) error {
	if err := s.conn(ctx).Create(fromDomainEntity(e)).Error; err != nil {
		return wrap(err, "failed to create %s '%s'", e.EntityType, e.EntityKey)
	}
	return nil
}

// Update writes e if the stored version still equals expectedVersion.
func (s *Store) Update(ctx context.Context, e *model.DynamicEntity, expectedVersion int) error {
	data := e.FieldData
	if data == nil {
		data = model.JSONMap{}
	}
	res := s.conn(ctx).Model(&DynamicEntityEntity{}).
		Where("uuid = ? AND version = ?", e.UUID, expectedVersion).
		Updates(map[string]interface{}{
			"path":        e.Path,
			"parent_uuid": e.ParentUUID,
			"field_data":  data,
			"updated_at":  e.UpdatedAt,
			"updated_by":  e.UpdatedBy,
			"published":   e.Published,
			"version":     e.Version,
		})
	if res.Error != nil {
		return wrap(res.Error, "failed to update %s '%s'", e.EntityType, e.UUID)
	}
	if res.RowsAffected == 0 {
		return exception.New(exception.PersistenceConflict, moduleName,
			fmt.Sprintf("%s '%s' was modified concurrently", e.EntityType, e.UUID), exception.ErrOptimisticLockingFailure)
	}
	return nil
}

// Delete removes an entity with its history and unique claims.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	return s.TxManager.Do(ctx, func(ctx context.Context) error {
		db := s.conn(ctx)
		if err := db.Where("entity_uuid = ?", uuid).Delete(&EntityVersionEntity{}).Error; err != nil {
			return wrap(err, "failed to delete versions of entity '%s'", uuid)
		}
		if err := db.Where("entity_uuid = ?", uuid).Delete(&UniqueValueEntity{}).Error; err != nil {
			return wrap(err, "failed to release unique values of entity '%s'", uuid)
		}
		res := db.Where("uuid = ?", uuid).Delete(&DynamicEntityEntity{})
		if res.Error != nil {
			return wrap(res.Error, "failed to delete entity '%s'", uuid)
		}
		if res.RowsAffected == 0 {
			return ErrEntityNotFound
		}
		return nil
	})
}

// InsertVersion appends a snapshot to the history of an entity.
func (s *Store) InsertVersion(ctx context.Context, v *model.EntityVersion) error {
	row := &EntityVersionEntity{
		UUID:          v.UUID,
		EntityUUID:    v.EntityUUID,
		VersionNumber: v.VersionNumber,
		Data:          v.Data,
		CreatedAt:     v.CreatedAt,
		CreatedBy:     v.CreatedBy,
	}
	if err := s.conn(ctx).Create(row).Error; err != nil {
		return wrap(err, "failed to write version %d of entity '%s'", v.VersionNumber, v.EntityUUID)
	}
	return nil
}

// ListVersions returns the history of an entity, newest first.
func (s *Store) ListVersions(ctx context.Context, entityUUID string) ([]*model.EntityVersion, error) {
	var rows []EntityVersionEntity
	if err := s.conn(ctx).Where("entity_uuid = ?", entityUUID).Order("version_number DESC").Find(&rows).Error; err != nil {
		return nil, wrap(err, "failed to list versions of entity '%s'", entityUUID)
	}
	out := make([]*model.EntityVersion, len(rows))
	for i := range rows {
		out[i] = toDomainVersion(&rows[i])
	}
	return out, nil
}

// PruneVersionsOlderThanDays deletes history rows older than days.
func (s *Store) PruneVersionsOlderThanDays(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res := s.conn(ctx).Where("created_at < ?", cutoff).Delete(&EntityVersionEntity{})
	if res.Error != nil {
		return 0, wrap(res.Error, "failed to prune entity versions older than %d days", days)
	}
	if res.RowsAffected > 0 {
		logger.Infof("Pruned %d entity versions created before %s.", res.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return res.RowsAffected, nil
}

// FindFolder returns the folder at path.
func (s *Store) FindFolder(ctx context.Context, path string) (*model.EntityFolder, error) {
	var f EntityFolderEntity
	err := s.conn(ctx).Where("path = ?", path).Take(&f).Error
	if gormadapter.IsNotFound(err) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find folder '%s'", path)
	}
	return toDomainFolder(&f), nil
}

// FindFolderByUUID returns the folder with the given UUID.
func (s *Store) FindFolderByUUID(ctx context.Context, uuid string) (*model.EntityFolder, error) {
	var f EntityFolderEntity
	err := s.conn(ctx).Where("uuid = ?", uuid).Take(&f).Error
	if gormadapter.IsNotFound(err) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find folder '%s'", uuid)
	}
	return toDomainFolder(&f), nil
}

// EnsureFolder returns the folder at path, creating it under parentUUID when missing.
// Concurrent callers converge on one row: the insert ignores a path conflict and the row is
// read back.
func (s *Store) EnsureFolder(ctx context.Context, path string, parentUUID *string) (*model.EntityFolder, error) {
	if f, err := s.FindFolder(ctx, path); !errors.Is(err, ErrFolderNotFound) {
		return f, err
	}
	row := &EntityFolderEntity{
		UUID:       model.NewID(),
		Path:       path,
		Name:       path[strings.LastIndex(path, "/")+1:],
		ParentUUID: parentUUID,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "path"}}, DoNothing: true}).Create(row).Error
	if err != nil {
		return nil, wrap(err, "failed to create folder '%s'", path)
	}
	return s.FindFolder(ctx, path)
}

// ClaimUniqueValues records the unique field values of an entity, replacing earlier claims.
// A value held by another entity is a PersistenceConflict.
func (s *Store) ClaimUniqueValues(ctx context.Context, e *model.DynamicEntity, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	db := s.conn(ctx)
	if err := db.Where("entity_uuid = ? AND field_name IN ?", e.UUID, fields).Delete(&UniqueValueEntity{}).Error; err != nil {
		return wrap(err, "failed to release unique values of entity '%s'", e.UUID)
	}
	for _, f := range fields {
		v, ok := e.FieldData[f]
		if !ok || v == nil {
			continue
		}
		claim := UniqueValueEntity{EntityType: e.EntityType, FieldName: f, ValueHash: valueHash(v), EntityUUID: e.UUID}
		var holder UniqueValueEntity
		err := db.Where("entity_type = ? AND field_name = ? AND value_hash = ?", claim.EntityType, f, claim.ValueHash).Take(&holder).Error
		if err == nil {
			return exception.Newf(exception.PersistenceConflict, moduleName,
				"%s.%s value '%s' is already used by entity '%s'", e.EntityType, f, dsl.Stringify(v), holder.EntityUUID)
		}
		if !gormadapter.IsNotFound(err) {
			return wrap(err, "failed to check unique %s.%s", e.EntityType, f)
		}
		if err := db.Create(&claim).Error; err != nil {
			return wrap(err, "%s.%s value '%s' is already used", e.EntityType, f, dsl.Stringify(v))
		}
	}
	return nil
}
