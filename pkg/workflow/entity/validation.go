package entity

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// ValidateFields checks data against def and returns a copy with values normalized to their
// declared types. Required fields are enforced when creating is true. Unknown fields are
// rejected unless def declares no fields at all.
func ValidateFields(def *model.EntityDefinition, data map[string]interface{}, creating bool) (model.JSONMap, error) {
	out := make(model.JSONMap, len(data))
	var errs *multierror.Error

	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		v := data[name]
		if len(def.Fields) == 0 {
			out[name] = v
			continue
		}
		fd, ok := def.Field(name)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("unknown field '%s'", name))
			continue
		}
		if v == nil {
			out[name] = nil
			continue
		}
		nv, err := NormalizeValue(fd.Type, v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("field '%s': %w", name, err))
			continue
		}
		out[name] = nv
	}

	for _, fd := range def.Fields {
		if !fd.Required {
			continue
		}
		v, present := out[fd.Name]
		if (creating && !present) || (present && v == nil) {
			errs = multierror.Append(errs, fmt.Errorf("required field '%s' is missing", fd.Name))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		errs.ErrorFormat = func(es []error) string {
			parts := make([]string, len(es))
			for i, e := range es {
				parts[i] = e.Error()
			}
			return strings.Join(parts, "; ")
		}
		return nil, exception.Newf(exception.ValidationError, moduleName, "%s does not match its definition", def.EntityType, errs)
	}
	return out, nil
}

// NormalizeValue converts v to the representation stored for field type t.
func NormalizeValue(t model.FieldType, v interface{}) (interface{}, error) {
	switch t {
	case model.FieldString, model.FieldText:
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("expected %s, got %T", t, v)
		}
		return dsl.Stringify(v), nil
	case model.FieldInteger:
		f, ok := dsl.ToFloat(v)
		if !ok || math.Trunc(f) != f || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(f), nil
	case model.FieldNumber:
		f, ok := dsl.ToFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected number, got %v", v)
		}
		return f, nil
	case model.FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	case model.FieldDate:
		d, err := dsl.Cast(v, "date", "")
		if err != nil {
			return nil, fmt.Errorf("expected date, got %v", v)
		}
		return d, nil
	case model.FieldDateTime:
		d, err := dsl.Cast(v, "datetime", "")
		if err != nil {
			return nil, fmt.Errorf("expected datetime, got %v", v)
		}
		return d, nil
	case model.FieldUUID:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected uuid string, got %T", v)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("expected uuid, got %q", s)
		}
		return id.String(), nil
	case model.FieldArray:
		if _, ok := v.([]interface{}); !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		return v, nil
	case model.FieldJSON:
		return v, nil
	}
	return nil, fmt.Errorf("unsupported field type '%s'", t)
}
