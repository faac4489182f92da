package dsl

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

var (
	arithmeticOps = map[string]bool{"add": true, "sub": true, "mul": true, "div": true}
	castTargets   = map[string]bool{"string": true, "number": true, "integer": true, "boolean": true, "date": true, "datetime": true}
)

// Parse decodes and validates a workflow config.
func Parse(data []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "workflow config is not valid JSON", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseMap validates a config already decoded into a generic map.
func ParseMap(config map[string]interface{}) (*Program, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "workflow config cannot be encoded", err)
	}
	return Parse(data)
}

// Validate checks the program statically. All problems are reported at once; the returned
// error is a ValidationError wrapping a *multierror.Error.
func (p *Program) Validate() error {
	v := &validator{}
	if len(p.Steps) == 0 {
		v.fail("steps", "at least one step is required")
	}
	for i := range p.Steps {
		v.step(i, &p.Steps[i])
	}
	if v.errs == nil {
		return nil
	}
	return exception.New(exception.ValidationError, moduleName, "invalid workflow program", v.errs.ErrorOrNil())
}

// ValidationErrors lists the individual problems of an error returned by Validate.
func ValidationErrors(err error) []error {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.Errors
	}
	if err == nil {
		return nil
	}
	return []error{err}
}

type validator struct {
	errs *multierror.Error
}

func (v *validator) fail(at, format string, a ...interface{}) {
	v.errs = multierror.Append(v.errs, fmt.Errorf("%s: %s", at, fmt.Sprintf(format, a...)))
}

func (v *validator) ident(at, s string) {
	if !IsSafeIdentifier(s) {
		v.fail(at, "unsafe identifier %q", s)
	}
}

func (v *validator) mapping(at string, m map[string]string) {
	targets := make(map[string]string, len(m))
	for from, to := range m {
		v.ident(at, from)
		v.ident(at, to)
		if prev, dup := targets[lastSegment(to)]; dup {
			v.fail(at, "%q and %q both map to %q", prev, from, to)
		}
		targets[lastSegment(to)] = from
	}
}

func (v *validator) template(at, tpl string) {
	for _, name := range TemplateFields(tpl) {
		v.ident(at, name)
	}
}

func (v *validator) step(i int, s *Step) {
	at := fmt.Sprintf("steps[%d]", i)
	v.from(i, at+".from", &s.From)
	if s.Transform != nil {
		v.transform(at+".transform", s.Transform)
	}
	v.to(at+".to", &s.To)
}

func (v *validator) from(i int, at string, f *FromSpec) {
	switch f.Type {
	case FromFormat:
		src := f.ResolvedSource()
		if src == nil || src.SourceType == "" {
			v.fail(at, "source.source_type is required")
		}
		if f.Format == nil || f.Format.FormatType == "" {
			v.fail(at, "format.format_type is required")
		}
	case FromEntity:
		v.ident(at+".entity_definition", f.EntityDefinition)
		for field := range f.Filter {
			v.ident(at+".filter", field)
		}
		if f.Limit < 0 {
			v.fail(at+".limit", "must not be negative")
		}
	case FromPreviousStep:
		if i == 0 {
			v.fail(at, "the first step cannot read from previous_step")
		}
	default:
		v.fail(at+".type", "unknown source kind %q", f.Type)
	}
	v.mapping(at+".mapping", f.Mapping)
}

func (v *validator) to(at string, t *ToSpec) {
	switch t.Type {
	case ToEntity:
		v.ident(at+".entity_definition", t.EntityDefinition)
		if t.UpdateKey != "" {
			v.ident(at+".update_key", t.UpdateKey)
		}
		v.template(at+".path", t.Path)
	case ToFormat:
		if t.Output == nil || t.Output.Destination == nil || t.Output.Destination.DestinationType == "" {
			v.fail(at, "output.destination.destination_type is required")
		} else if t.Output.Mode != "" && t.Output.Mode != "push" {
			v.fail(at+".output.mode", "unsupported mode %q", t.Output.Mode)
		}
		if t.Format == nil || t.Format.FormatType == "" {
			v.fail(at, "format.format_type is required")
		}
	case ToNextStep:
	default:
		v.fail(at+".type", "unknown destination kind %q", t.Type)
	}
	v.mapping(at+".mapping", t.Mapping)
}

func (v *validator) operand(at string, op *Operand, allowExternal bool) {
	if op == nil {
		v.fail(at, "operand is required")
		return
	}
	switch op.Kind {
	case OperandField:
		v.ident(at+".field", op.Field)
	case OperandConst:
		if op.Value == nil {
			v.fail(at+".value", "constant must not be null")
		}
	case OperandExternal:
		if !allowExternal {
			v.fail(at+".kind", "external operands are not allowed here")
			return
		}
		v.ident(at+".entity_definition", op.EntityDefinition)
		v.ident(at+".field", op.Field)
		if op.Filter == nil {
			v.fail(at+".filter", "filter is required")
			return
		}
		v.ident(at+".filter.field", op.Filter.Field)
		v.ident(at+".filter.value", op.Filter.Value)
	default:
		v.fail(at+".kind", "unknown operand kind %q", op.Kind)
	}
}

func (v *validator) transform(at string, t *TransformSpec) {
	v.ident(at+".target", t.Target)
	switch t.Type {
	case TransformArithmetic:
		if !arithmeticOps[t.Op] {
			v.fail(at+".op", "unknown arithmetic op %q", t.Op)
		}
		v.operand(at+".left", t.Left, true)
		v.operand(at+".right", t.Right, true)
	case TransformCast:
		v.ident(at+".source", t.Source)
		if !castTargets[t.CastTo] {
			v.fail(at+".to", "unknown cast target %q", t.CastTo)
		}
	case TransformBuildPath:
		if t.Template == "" {
			v.fail(at+".template", "template is required")
		}
		v.template(at+".template", t.Template)
	case TransformCopy:
		v.ident(at+".source", t.Source)
	case TransformExternalLookup:
		if t.Operand == nil || t.Operand.Kind != OperandExternal {
			v.fail(at+".operand", "an external_entity_field operand is required")
			return
		}
		v.operand(at+".operand", t.Operand, true)
	case TransformGetOrCreateEntity:
		v.ident(at+".entity_definition", t.EntityDefinition)
		v.ident(at+".key_field", t.KeyField)
		v.operand(at+".value", t.Value, false)
		v.template(at+".path", t.Path)
		for field, from := range t.Fields {
			v.ident(at+".fields", field)
			v.ident(at+".fields", from)
		}
		if t.ResultField != "" {
			v.ident(at+".result_field", t.ResultField)
		}
	default:
		v.fail(at+".type", "unknown transform type %q", t.Type)
	}
}

// ParseSteps validates a bare steps array.
func ParseSteps(steps []byte) (*Program, error) {
	var s []Step
	if err := json.Unmarshal(steps, &s); err != nil {
		return nil, exception.New(exception.ParseError, moduleName, "steps are not valid JSON", err)
	}
	p := &Program{Steps: s}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
