// Package configbinder binds loosely typed property maps (adapter configs embedded in
// workflow JSON, named connection blocks in application.yaml) onto typed structs.
package configbinder

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report yaml names instead of Go field names.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// BindProperties decodes properties into target using the "yaml" tag.
// Strings are converted to numbers, bools and durations where the target requires it.
//
// Parameters:
//
//	properties: The map of properties to bind.
//	target: Pointer to the struct to populate.
//
// Returns:
//
//	An error if decoding fails.
func BindProperties(properties map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}
	if err := decoder.Decode(properties); err != nil {
		return fmt.Errorf("failed to bind properties to %s: %w", typeName(target), err)
	}
	return nil
}

// Validate runs `validate` struct tags on target.
func Validate(target interface{}) error {
	err := validatorInstance().Struct(target)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
		return fmt.Errorf("invalid %s: %s", typeName(target), strings.Join(msgs, "; "))
	}
	return err
}

// BindAndValidate is BindProperties followed by Validate.
func BindAndValidate(properties map[string]interface{}, target interface{}) error {
	if err := BindProperties(properties, target); err != nil {
		return err
	}
	return Validate(target)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s]", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("'%s' must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("'%s' must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("'%s' failed '%s' check", fe.Field(), fe.Tag())
	}
}

func typeName(target interface{}) string {
	t := reflect.TypeOf(target)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}
