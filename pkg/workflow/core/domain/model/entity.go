package model

import "time"

// DynamicEntity is an instance of an admin-defined entity type.
type DynamicEntity struct {
	UUID       string
	EntityType string
	EntityKey  string // Deterministic business key, unique per entity type.
	Path       string
	ParentUUID *string
	FieldData  JSONMap
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CreatedBy  string
	UpdatedBy  string
	Published  bool
	Version    int
}

// Snapshot renders the entity state recorded in version history.
func (e *DynamicEntity) Snapshot() JSONMap {
	snap := JSONMap{
		"uuid":        e.UUID,
		"entity_type": e.EntityType,
		"entity_key":  e.EntityKey,
		"path":        e.Path,
		"field_data":  map[string]interface{}(e.FieldData.Clone()),
		"published":   e.Published,
		"version":     e.Version,
		"created_by":  e.CreatedBy,
		"updated_by":  e.UpdatedBy,
		"updated_at":  e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.ParentUUID != nil {
		snap["parent_uuid"] = *e.ParentUUID
	}
	return snap
}

// EntityVersion is an immutable pre-update snapshot of a DynamicEntity.
type EntityVersion struct {
	UUID          string
	EntityUUID    string
	VersionNumber int
	Data          JSONMap
	CreatedAt     time.Time
	CreatedBy     string
}

// EntityFolder is a materialized path segment that parents entities.
type EntityFolder struct {
	UUID       string
	Path       string
	Name       string
	ParentUUID *string
	CreatedAt  time.Time
}

// FieldType is the declared type of an entity field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldText     FieldType = "text"
	FieldInteger  FieldType = "integer"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
	FieldJSON     FieldType = "json"
	FieldArray    FieldType = "array"
	FieldUUID     FieldType = "uuid"
)

// FieldDefinition describes one field of an entity type.
type FieldDefinition struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
}

// EntityDefinition is the schema of an entity type.
type EntityDefinition struct {
	EntityType string            `json:"entity_type"`
	Fields     []FieldDefinition `json:"fields"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Field returns the definition of name, if declared.
func (d *EntityDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}
