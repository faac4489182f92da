package dsl

import "encoding/json"

// PrimarySource returns the first step that reads from outside the program, or nil.
func (p *Program) PrimarySource() (int, *Step) {
	for i := range p.Steps {
		switch p.Steps[i].From.Type {
		case FromFormat, FromEntity:
			return i, &p.Steps[i]
		}
	}
	return -1, nil
}

// IsConsumer reports whether any step persists entities.
func (p *Program) IsConsumer() bool {
	for i := range p.Steps {
		if p.Steps[i].To.Type == ToEntity {
			return true
		}
	}
	return false
}

// EntityTypes lists the entity definitions written or read by the program, without duplicates.
func (p *Program) EntityTypes() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		add(s.From.EntityDefinition)
		add(s.To.EntityDefinition)
		if s.Transform != nil {
			add(s.Transform.EntityDefinition)
			if s.Transform.Operand != nil {
				add(s.Transform.Operand.EntityDefinition)
			}
			for _, op := range []*Operand{s.Transform.Left, s.Transform.Right} {
				if op != nil {
					add(op.EntityDefinition)
				}
			}
		}
	}
	return out
}

// CheckHasAPIEndpoint reports whether a workflow config declares an "api" source without an
// endpoint, i.e. a source that only accepts pushed data. The config does not need to be a
// valid program; both source placements (from.source and from.format.source) are inspected.
func CheckHasAPIEndpoint(config []byte) bool {
	var raw struct {
		Steps []struct {
			From struct {
				Source *rawSource `json:"source"`
				Format *struct {
					Source *rawSource `json:"source"`
				} `json:"format"`
			} `json:"from"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(config, &raw); err != nil {
		return false
	}
	for _, s := range raw.Steps {
		if s.From.Source.isInboundAPI() {
			return true
		}
		if s.From.Format != nil && s.From.Format.Source.isInboundAPI() {
			return true
		}
	}
	return false
}

type rawSource struct {
	SourceType string                 `json:"source_type"`
	Config     map[string]interface{} `json:"config"`
}

func (s *rawSource) isInboundAPI() bool {
	if s == nil || s.SourceType != "api" {
		return false
	}
	endpoint, ok := s.Config["endpoint"]
	if !ok || endpoint == nil {
		return true
	}
	str, isString := endpoint.(string)
	return isString && str == ""
}

// CheckHasAPIEndpoint reports whether the program declares an inbound-only "api" source.
func (p *Program) CheckHasAPIEndpoint() bool {
	for i := range p.Steps {
		src := p.Steps[i].From.ResolvedSource()
		if src == nil {
			continue
		}
		rs := rawSource{SourceType: src.SourceType, Config: src.Config}
		if rs.isInboundAPI() {
			return true
		}
	}
	return false
}

// Sinks returns the indexes of steps that write to an entity or a destination.
func (p *Program) Sinks() []int {
	var out []int
	for i := range p.Steps {
		if t := p.Steps[i].To.Type; t == ToEntity || t == ToFormat {
			out = append(out, i)
		}
	}
	return out
}

// RefSpec is a static description of an external access declared by a program.
type RefSpec struct {
	StepIndex        int
	Kind             RefKind
	EntityDefinition string
	FilterField      string
	FilterPath       string // Record path of the filter value.
	Field            string
}

// CollectExternalRefs lists the external accesses of the program without evaluating it.
func (p *Program) CollectExternalRefs() []RefSpec {
	var out []RefSpec
	addOperand := func(i int, op *Operand) {
		if op == nil || op.Kind != OperandExternal || op.Filter == nil {
			return
		}
		out = append(out, RefSpec{
			StepIndex:        i,
			Kind:             RefLookup,
			EntityDefinition: op.EntityDefinition,
			FilterField:      op.Filter.Field,
			FilterPath:       op.Filter.Value,
			Field:            op.Field,
		})
	}
	for i := range p.Steps {
		t := p.Steps[i].Transform
		if t == nil {
			continue
		}
		switch t.Type {
		case TransformArithmetic:
			addOperand(i, t.Left)
			addOperand(i, t.Right)
		case TransformExternalLookup:
			addOperand(i, t.Operand)
		case TransformGetOrCreateEntity:
			spec := RefSpec{StepIndex: i, Kind: RefGetOrCreate, EntityDefinition: t.EntityDefinition, FilterField: t.KeyField, Field: t.ResultField}
			if t.Value != nil && t.Value.Kind == OperandField {
				spec.FilterPath = t.Value.Field
			}
			out = append(out, spec)
		}
	}
	return out
}
