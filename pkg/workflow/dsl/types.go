// Package dsl implements the declarative transform language of workflows.
//
// A program is an ordered list of steps. Each step reads a record ("from"), optionally
// applies one transform, and writes the result ("to"). Evaluation is pure: operands that need
// a repository lookup are left as placeholders and reported back to the caller, which resolves
// them and applies the program again (see Evaluate).
package dsl

import (
	"bytes"
	"encoding/json"
)

// Step source kinds.
const (
	FromFormat       = "format"        // Records fetched by a source adapter and decoded by a format handler.
	FromEntity       = "entity"        // Dynamic entities read from the store (provider workflows).
	FromPreviousStep = "previous_step" // The output accumulated by earlier steps.
)

// Step destination kinds.
const (
	ToEntity   = "entity"    // Persist through the entity resolver (consumer workflows).
	ToFormat   = "format"    // Serialize and push through a destination adapter (provider workflows).
	ToNextStep = "next_step" // Only contribute to the accumulated output.
)

// Transform kinds.
const (
	TransformArithmetic        = "arithmetic"
	TransformCast              = "cast"
	TransformBuildPath         = "build_path"
	TransformCopy              = "copy"
	TransformExternalLookup    = "external_entity_lookup"
	TransformGetOrCreateEntity = "get_or_create_entity"
)

// Operand kinds.
const (
	OperandField    = "field"
	OperandConst    = "const"
	OperandExternal = "external_entity_field"
)

// Program is a parsed workflow config.
type Program struct {
	Steps []Step `json:"steps"`
}

// Step is one from/transform/to unit.
type Step struct {
	From      FromSpec       `json:"from"`
	Transform *TransformSpec `json:"transform,omitempty"`
	To        ToSpec         `json:"to"`
}

// SourceSpec names a source adapter and its configuration.
type SourceSpec struct {
	SourceType string                 `json:"source_type"`
	Config     map[string]interface{} `json:"config,omitempty"`
	Auth       map[string]interface{} `json:"auth,omitempty"`
}

// FormatSpec names a format handler and its options. Source is accepted here too, for
// configs that nest the source under the format block.
type FormatSpec struct {
	FormatType string                 `json:"format_type"`
	Options    map[string]interface{} `json:"options,omitempty"`
	Source     *SourceSpec            `json:"source,omitempty"`
}

// FromSpec describes where a step reads. Mapping maps a read path to a normalized field;
// an empty mapping copies the whole record.
type FromSpec struct {
	Type             string                 `json:"type"`
	Source           *SourceSpec            `json:"source,omitempty"`
	Format           *FormatSpec            `json:"format,omitempty"`
	EntityDefinition string                 `json:"entity_definition,omitempty"`
	Filter           map[string]interface{} `json:"filter,omitempty"`
	Limit            int                    `json:"limit,omitempty"`
	Mapping          map[string]string      `json:"mapping,omitempty"`
}

// ResolvedSource returns the source block, wherever it was declared.
func (f *FromSpec) ResolvedSource() *SourceSpec {
	if f.Source != nil {
		return f.Source
	}
	if f.Format != nil {
		return f.Format.Source
	}
	return nil
}

// DestinationSpec names a destination adapter and its configuration.
type DestinationSpec struct {
	DestinationType string                 `json:"destination_type"`
	Config          map[string]interface{} `json:"config,omitempty"`
	Auth            map[string]interface{} `json:"auth,omitempty"`
}

// OutputSpec describes how formatted output leaves the engine.
type OutputSpec struct {
	Mode        string           `json:"mode,omitempty"` // "push" (default).
	Destination *DestinationSpec `json:"destination,omitempty"`
}

// ToSpec describes where a step writes. Mapping maps a normalized path to an output field;
// an empty mapping passes the normalized record through.
type ToSpec struct {
	Type             string            `json:"type"`
	EntityDefinition string            `json:"entity_definition,omitempty"`
	Path             string            `json:"path,omitempty"` // May contain {field} placeholders.
	UpdateKey        string            `json:"update_key,omitempty"`
	Published        *bool             `json:"published,omitempty"`
	Output           *OutputSpec       `json:"output,omitempty"`
	Format           *FormatSpec       `json:"format,omitempty"`
	Mapping          map[string]string `json:"mapping,omitempty"`
}

// TransformSpec is the tagged union of transforms; Type selects which fields apply.
type TransformSpec struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`

	// arithmetic
	Left  *Operand `json:"left,omitempty"`
	Op    string   `json:"op,omitempty"`
	Right *Operand `json:"right,omitempty"`

	// cast, copy
	Source string `json:"source,omitempty"`
	CastTo string `json:"to,omitempty"`
	Format string `json:"format,omitempty"`

	// build_path
	Template string `json:"template,omitempty"`

	// external_entity_lookup
	Operand *Operand `json:"operand,omitempty"`

	// get_or_create_entity
	EntityDefinition string            `json:"entity_definition,omitempty"`
	Path             string            `json:"path,omitempty"`
	KeyField         string            `json:"key_field,omitempty"`
	Value            *Operand          `json:"value,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"` // entity field -> record path
	ResultField      string            `json:"result_field,omitempty"`
}

// Filter selects the entity of an external operand: the entity whose Field equals the record
// value found at path Value.
type Filter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Operand is a transform input.
type Operand struct {
	Kind             string      `json:"kind"`
	Field            string      `json:"field,omitempty"`
	Value            interface{} `json:"value,omitempty"`
	EntityDefinition string      `json:"entity_definition,omitempty"`
	Filter           *Filter     `json:"filter,omitempty"`
}

// FieldOperand is shorthand for a field reference.
func FieldOperand(path string) *Operand {
	return &Operand{Kind: OperandField, Field: path}
}

// ConstOperand is shorthand for a constant.
func ConstOperand(v interface{}) *Operand {
	return &Operand{Kind: OperandConst, Value: v}
}

// UnmarshalJSON accepts the object form, a bare string (field reference) or a bare scalar (constant).
func (o *Operand) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		type plain Operand
		var p plain
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return err
		}
		*o = Operand(p)
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*o = Operand{Kind: OperandField, Field: s}
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*o = Operand{Kind: OperandConst, Value: v}
	return nil
}
