package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

const moduleName = "dsl"

// Sink is the record a step hands to its destination.
type Sink struct {
	StepIndex int
	To        ToSpec
	Record    map[string]interface{}
}

// Result is the outcome of one application of a program.
type Result struct {
	Output  map[string]interface{} // Accumulated output of all steps.
	Sinks   []Sink                 // Records produced by entity and format steps, in step order.
	Pending []ExternalRef          // External refs that blocked a value; empty when the result is final.
}

// Apply runs the program without external values. Any external operand makes it fail.
func (p *Program) Apply(input map[string]interface{}) (map[string]interface{}, error) {
	res, err := p.ApplyWith(input, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Pending) > 0 {
		return nil, applyErrorf("program needs %d external reference(s)", len(res.Pending))
	}
	return res.Output, nil
}

// ApplyWith runs the program against input. Values in resolved, keyed by ExternalRef.Key,
// stand in for external operands; refs absent from resolved are reported in Result.Pending and
// their dependants carry a Placeholder.
func (p *Program) ApplyWith(input map[string]interface{}, resolved map[string]interface{}) (*Result, error) {
	a := &applier{resolved: resolved, seen: make(map[string]struct{})}
	output := make(map[string]interface{})
	res := &Result{Output: output}

	for i := range p.Steps {
		step := &p.Steps[i]
		in := input
		if step.From.Type == FromPreviousStep {
			in = output
		}
		normalized := project(in, step.From.Mapping)
		if step.Transform != nil {
			if err := a.transform(step.Transform, normalized); err != nil {
				return nil, withStep(i, err)
			}
		}
		produced := project(normalized, step.To.Mapping)
		for k, v := range produced {
			output[k] = v
		}
		if step.To.Type == ToEntity || step.To.Type == ToFormat {
			res.Sinks = append(res.Sinks, Sink{StepIndex: i, To: step.To, Record: produced})
		}
	}
	res.Pending = a.pending
	return res, nil
}

type applier struct {
	resolved map[string]interface{}
	pending  []ExternalRef
	seen     map[string]struct{}
}

func (a *applier) external(ref ExternalRef) interface{} {
	key := ref.Key()
	if v, ok := a.resolved[key]; ok {
		return v
	}
	if _, dup := a.seen[key]; !dup {
		a.seen[key] = struct{}{}
		a.pending = append(a.pending, ref)
	}
	return Placeholder{Key: key}
}

func (a *applier) operand(op *Operand, record map[string]interface{}) (interface{}, error) {
	switch op.Kind {
	case OperandField:
		v, _ := Resolve(record, op.Field)
		return v, nil
	case OperandConst:
		return op.Value, nil
	case OperandExternal:
		value, _ := Resolve(record, op.Filter.Value)
		if IsPlaceholder(value) {
			return value, nil
		}
		if value == nil {
			return nil, nil
		}
		return a.external(ExternalRef{
			Kind:             RefLookup,
			EntityDefinition: op.EntityDefinition,
			FilterField:      op.Filter.Field,
			FilterValue:      value,
			Field:            op.Field,
		}), nil
	}
	return nil, applyErrorf("unknown operand kind %q", op.Kind)
}

func (a *applier) transform(t *TransformSpec, record map[string]interface{}) error {
	switch t.Type {
	case TransformArithmetic:
		return a.arithmetic(t, record)
	case TransformCast:
		v, _ := Resolve(record, t.Source)
		if IsPlaceholder(v) {
			WriteField(record, t.Target, v)
			return nil
		}
		out, err := Cast(v, t.CastTo, t.Format)
		if err != nil {
			return err
		}
		WriteField(record, t.Target, out)
	case TransformBuildPath:
		out, err := renderTemplate(t.Template, record)
		if err != nil {
			return err
		}
		WriteField(record, t.Target, out)
	case TransformCopy:
		v, _ := Resolve(record, t.Source)
		WriteField(record, t.Target, v)
	case TransformExternalLookup:
		v, err := a.operand(t.Operand, record)
		if err != nil {
			return err
		}
		WriteField(record, t.Target, v)
	case TransformGetOrCreateEntity:
		return a.getOrCreate(t, record)
	default:
		return applyErrorf("unknown transform type %q", t.Type)
	}
	return nil
}

func (a *applier) arithmetic(t *TransformSpec, record map[string]interface{}) error {
	left, err := a.operand(t.Left, record)
	if err != nil {
		return err
	}
	right, err := a.operand(t.Right, record)
	if err != nil {
		return err
	}
	if IsPlaceholder(left) {
		WriteField(record, t.Target, left)
		return nil
	}
	if IsPlaceholder(right) {
		WriteField(record, t.Target, right)
		return nil
	}
	l, ok := ToFloat(left)
	if !ok {
		return applyErrorf("left operand of %s is not numeric: %v", t.Target, left)
	}
	r, ok := ToFloat(right)
	if !ok {
		return applyErrorf("right operand of %s is not numeric: %v", t.Target, right)
	}
	var out float64
	switch t.Op {
	case "add":
		out = l + r
	case "sub":
		out = l - r
	case "mul":
		out = l * r
	case "div":
		if r == 0 {
			return applyErrorf("division by zero computing %s", t.Target)
		}
		out = l / r
	default:
		return applyErrorf("unknown arithmetic op %q", t.Op)
	}
	WriteField(record, t.Target, out)
	return nil
}

func (a *applier) getOrCreate(t *TransformSpec, record map[string]interface{}) error {
	key, err := a.operand(t.Value, record)
	if err != nil {
		return err
	}
	if IsPlaceholder(key) {
		WriteField(record, t.Target, key)
		return nil
	}
	if key == nil {
		return applyErrorf("get_or_create_entity %s: key value is null", t.EntityDefinition)
	}
	path := ""
	if t.Path != "" {
		rendered, err := renderTemplate(t.Path, record)
		if err != nil {
			return err
		}
		if IsPlaceholder(rendered) {
			WriteField(record, t.Target, rendered)
			return nil
		}
		path = rendered.(string)
	}
	fields := make(map[string]interface{}, len(t.Fields))
	for field, from := range t.Fields {
		v, _ := Resolve(record, from)
		if IsPlaceholder(v) {
			WriteField(record, t.Target, v)
			return nil
		}
		fields[field] = v
	}
	resultField := t.ResultField
	if resultField == "" {
		resultField = "uuid"
	}
	WriteField(record, t.Target, a.external(ExternalRef{
		Kind:             RefGetOrCreate,
		EntityDefinition: t.EntityDefinition,
		FilterField:      t.KeyField,
		FilterValue:      key,
		Path:             path,
		Fields:           fields,
		ResultField:      resultField,
	}))
	return nil
}

// renderTemplate substitutes {field} placeholders with record values. Slashes inside a value
// are replaced so a value can never introduce extra path segments. When a value is still
// unresolved the first Placeholder met is returned instead of a string.
func renderTemplate(template string, record map[string]interface{}) (interface{}, error) {
	var missing []string
	var blocked interface{}
	out := templateField.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, _ := Resolve(record, name)
		if v == nil {
			missing = append(missing, name)
			return ""
		}
		if IsPlaceholder(v) {
			if blocked == nil {
				blocked = v
			}
			return ""
		}
		return strings.ReplaceAll(Stringify(v), "/", "_")
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, applyErrorf("template %q: missing value for %s", template, strings.Join(missing, ", "))
	}
	if blocked != nil {
		return blocked, nil
	}
	return out, nil
}

// ToFloat converts numbers and numeric strings to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Stringify renders a scalar the way it should appear in text; objects and arrays become JSON.
func Stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Cast converts v to the named type. Null stays null.
//
// Supported targets: string, number, integer, boolean, date, datetime. layout, when set,
// is the Go time layout used to parse date and datetime inputs.
func Cast(v interface{}, to, layout string) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch to {
	case "string":
		return Stringify(v), nil
	case "number":
		f, ok := ToFloat(v)
		if !ok {
			return nil, applyErrorf("cannot cast %v to number", v)
		}
		return f, nil
	case "integer":
		f, ok := ToFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, applyErrorf("cannot cast %v to integer", v)
		}
		return int64(math.Trunc(f)), nil
	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, applyErrorf("cannot cast %q to boolean", b)
			}
			return parsed, nil
		}
		if f, ok := ToFloat(v); ok {
			return f != 0, nil
		}
		return nil, applyErrorf("cannot cast %v to boolean", v)
	case "date":
		t, err := parseTime(v, layout)
		if err != nil {
			return nil, err
		}
		return t.Format("2006-01-02"), nil
	case "datetime":
		t, err := parseTime(v, layout)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339), nil
	}
	return nil, applyErrorf("unknown cast target %q", to)
}

func parseTime(v interface{}, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if layout != "" {
			parsed, err := time.Parse(layout, s)
			if err != nil {
				return time.Time{}, applyErrorf("cannot parse %q with layout %q", s, layout)
			}
			return parsed, nil
		}
		for _, l := range datetimeLayouts {
			if parsed, err := time.Parse(l, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, applyErrorf("cannot parse %q as a date", s)
	}
	if f, ok := ToFloat(v); ok {
		return time.Unix(int64(f), 0).UTC(), nil
	}
	return time.Time{}, applyErrorf("cannot cast %v to a date", v)
}

func applyErrorf(format string, a ...interface{}) *exception.WorkflowError {
	return exception.Newf(exception.ApplyError, moduleName, format, a...)
}

func withStep(i int, err error) error {
	return exception.New(exception.KindOf(err), moduleName, fmt.Sprintf("step %d", i), err)
}
