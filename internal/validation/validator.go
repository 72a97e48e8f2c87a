// Package validation checks configuration structs against their validate
// tags. Supported rules: required, hexlen=N, min=N, max=N and oneof=a b c.
// Nested structs and slices of structs are validated too; field paths use
// the yaml name of each field.
package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// FieldError is one failed rule.
type FieldError struct {
	Field string
	Rule  string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// Errors collects every failed rule of a struct.
type Errors []*FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator validates structs
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct. The returned error is of type Errors.
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	var errs Errors
	v.validateStruct(val, "", &errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

var timeType = reflect.TypeOf(time.Time{})

func (v *Validator) validateStruct(val reflect.Value, prefix string, errs *Errors) {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}
		name := prefix + fieldName(fieldType)

		if tag := fieldType.Tag.Get("validate"); tag != "" {
			if fe := v.validateField(field, tag); fe != nil {
				fe.Field = name
				*errs = append(*errs, fe)
				continue
			}
		}

		switch {
		case field.Kind() == reflect.Struct && field.Type() != timeType:
			v.validateStruct(field, name+".", errs)
		case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct:
			for j := 0; j < field.Len(); j++ {
				v.validateStruct(field.Index(j), fmt.Sprintf("%s[%d].", name, j), errs)
			}
		}
	}
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("yaml"); tag != "" {
		if name := strings.Split(tag, ",")[0]; name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) *FieldError {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		param := ""
		if len(parts) == 2 {
			param = parts[1]
		}

		fail := func(format string, args ...interface{}) *FieldError {
			return &FieldError{Rule: ruleName, Msg: fmt.Sprintf(format, args...)}
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fail("field is required")
			}

		case "hexlen":
			n, err := strconv.Atoi(param)
			if err != nil || field.Kind() != reflect.String || field.Len() == 0 {
				continue
			}
			s := field.String()
			if len(s) != n {
				return fail("expected %d hex characters, got %d", n, len(s))
			}
			if _, err := hex.DecodeString(s); err != nil {
				return fail("invalid hex string")
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(param, 64)
			if err != nil {
				continue
			}
			x, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && x < limit {
				return fail("must be at least %s", param)
			}
			if ruleName == "max" && x > limit {
				return fail("must be at most %s", param)
			}

		case "oneof":
			if field.IsZero() {
				continue
			}
			got := fmt.Sprint(field.Interface())
			allowed := strings.Fields(param)
			found := false
			for _, a := range allowed {
				if strings.EqualFold(a, got) {
					found = true
					break
				}
			}
			if !found {
				return fail("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}

	return nil
}

// measure returns the number min and max compare against: the value of
// numbers and the length of strings and slices.
func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	case reflect.String, reflect.Slice, reflect.Map:
		return float64(field.Len()), true
	}
	return 0, false
}
