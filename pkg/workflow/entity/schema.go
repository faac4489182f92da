package entity

import (
	"encoding/json"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

// DynamicEntityEntity is the persisted form of model.DynamicEntity.
type DynamicEntityEntity struct {
	UUID       string        `gorm:"column:uuid;primaryKey"`
	EntityType string        `gorm:"column:entity_type"`
	EntityKey  string        `gorm:"column:entity_key"`
	Path       string        `gorm:"column:path"`
	ParentUUID *string       `gorm:"column:parent_uuid"`
	FieldData  model.JSONMap `gorm:"column:field_data"`
	CreatedAt  time.Time     `gorm:"column:created_at"`
	UpdatedAt  time.Time     `gorm:"column:updated_at"`
	CreatedBy  string        `gorm:"column:created_by"`
	UpdatedBy  string        `gorm:"column:updated_by"`
	Published  bool          `gorm:"column:published"`
	Version    int           `gorm:"column:version"`
}

func (DynamicEntityEntity) TableName() string {
	return "dynamic_entities"
}

// EntityVersionEntity is one row of the append-only entity history.
type EntityVersionEntity struct {
	UUID          string        `gorm:"column:uuid;primaryKey"`
	EntityUUID    string        `gorm:"column:entity_uuid"`
	VersionNumber int           `gorm:"column:version_number"`
	Data          model.JSONMap `gorm:"column:data"`
	CreatedAt     time.Time     `gorm:"column:created_at"`
	CreatedBy     string        `gorm:"column:created_by"`
}

func (EntityVersionEntity) TableName() string {
	return "entity_versions"
}

// EntityFolderEntity is a materialized path segment.
type EntityFolderEntity struct {
	UUID       string    `gorm:"column:uuid;primaryKey"`
	Path       string    `gorm:"column:path"`
	Name       string    `gorm:"column:name"`
	ParentUUID *string   `gorm:"column:parent_uuid"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (EntityFolderEntity) TableName() string {
	return "entity_folders"
}

// UniqueValueEntity claims one value of a unique field for one entity.
type UniqueValueEntity struct {
	EntityType string `gorm:"column:entity_type;primaryKey"`
	FieldName  string `gorm:"column:field_name;primaryKey"`
	ValueHash  string `gorm:"column:value_hash;primaryKey"`
	EntityUUID string `gorm:"column:entity_uuid"`
}

func (UniqueValueEntity) TableName() string {
	return "entity_unique_values"
}

// EntityDefinitionEntity stores a definition's fields as a JSON document.
type EntityDefinitionEntity struct {
	EntityType string    `gorm:"column:entity_type;primaryKey"`
	Fields     string    `gorm:"column:fields"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (EntityDefinitionEntity) TableName() string {
	return "entity_definitions"
}

func fromDomainEntity(e *model.DynamicEntity) *DynamicEntityEntity {
	data := e.FieldData
	if data == nil {
		data = model.JSONMap{}
	}
	return &DynamicEntityEntity{
		UUID:       e.UUID,
		EntityType: e.EntityType,
		EntityKey:  e.EntityKey,
		Path:       e.Path,
		ParentUUID: e.ParentUUID,
		FieldData:  data,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		CreatedBy:  e.CreatedBy,
		UpdatedBy:  e.UpdatedBy,
		Published:  e.Published,
		Version:    e.Version,
	}
}

func toDomainEntity(e *DynamicEntityEntity) *model.DynamicEntity {
	data := e.FieldData
	if data == nil {
		data = model.JSONMap{}
	}
	return &model.DynamicEntity{
		UUID:       e.UUID,
		EntityType: e.EntityType,
		EntityKey:  e.EntityKey,
		Path:       e.Path,
		ParentUUID: e.ParentUUID,
		FieldData:  data,
		CreatedAt:  e.CreatedAt.UTC(),
		UpdatedAt:  e.UpdatedAt.UTC(),
		CreatedBy:  e.CreatedBy,
		UpdatedBy:  e.UpdatedBy,
		Published:  e.Published,
		Version:    e.Version,
	}
}

func toDomainVersion(e *EntityVersionEntity) *model.EntityVersion {
	return &model.EntityVersion{
		UUID:          e.UUID,
		EntityUUID:    e.EntityUUID,
		VersionNumber: e.VersionNumber,
		Data:          e.Data,
		CreatedAt:     e.CreatedAt.UTC(),
		CreatedBy:     e.CreatedBy,
	}
}

func toDomainFolder(e *EntityFolderEntity) *model.EntityFolder {
	return &model.EntityFolder{
		UUID:       e.UUID,
		Path:       e.Path,
		Name:       e.Name,
		ParentUUID: e.ParentUUID,
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

func fromDomainDefinition(d *model.EntityDefinition, now time.Time) (*EntityDefinitionEntity, error) {
	fields := d.Fields
	if fields == nil {
		fields = []model.FieldDefinition{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return &EntityDefinitionEntity{EntityType: d.EntityType, Fields: string(b), CreatedAt: now, UpdatedAt: now}, nil
}

func toDomainDefinition(e *EntityDefinitionEntity) (*model.EntityDefinition, error) {
	var fields []model.FieldDefinition
	if err := json.Unmarshal([]byte(e.Fields), &fields); err != nil {
		return nil, err
	}
	return &model.EntityDefinition{EntityType: e.EntityType, Fields: fields, UpdatedAt: e.UpdatedAt.UTC()}, nil
}
