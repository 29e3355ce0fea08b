// Package schema validates job parameters and stats against Go struct types
// and renders those types as JSON Schema for listings.
//
// Struct fields use `json` tags for names and `validate` tags (go-playground
// validator) for rules:
//
//	type SendEmail struct {
//		To      string `json:"to" validate:"required,email"`
//		Subject string `json:"subject,omitempty"`
//	}
//
//	def.Params = schema.For[SendEmail]()
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/teranos/tenantpulse/errors"
)

// Schema validates a JSON document and describes its shape.
type Schema interface {
	// Validate returns a *Violations error when raw does not conform.
	Validate(raw json.RawMessage) error
	Describe() *jsonschema.Schema
}

// Violation is one failed rule.
type Violation struct {
	Field   string `json:"field"` // json path, e.g. "to" or "links[0].url"
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// Violations is the error returned by Validate.
type Violations []Violation

func (v Violations) Error() string {
	parts := make([]string, len(v))
	for i, violation := range v {
		parts[i] = violation.String()
	}
	return strings.Join(parts, "; ")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

type structSchema[T any] struct{}

// For returns the schema of T, which should be a struct type.
func For[T any]() Schema {
	return structSchema[T]{}
}

func (structSchema[T]) Validate(raw json.RawMessage) error {
	_, err := Decode[T](raw)
	return err
}

func (structSchema[T]) Describe() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var zero T
	return r.Reflect(&zero)
}

// Decode unmarshals raw into T and validates it. Empty input decodes as {}.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, decodeViolation(err)
	}
	if reflect.Indirect(reflect.ValueOf(&v)).Kind() != reflect.Struct {
		return v, nil
	}
	if err := validatorInstance().Struct(&v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return v, toViolations(fieldErrs)
		}
		return v, errors.Wrap(err, "validation failed")
	}
	return v, nil
}

func decodeViolation(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return Violations{{
			Field:   typeErr.Field,
			Rule:    "type",
			Message: fmt.Sprintf("must be %s, got %s", typeErr.Type.Kind(), typeErr.Value),
		}}
	}
	return Violations{{Rule: "json", Message: "invalid JSON: " + err.Error()}}
}

func toViolations(fieldErrs validator.ValidationErrors) Violations {
	out := make(Violations, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, Violation{
			Field:   jsonPath(fe.Namespace()),
			Rule:    fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

// jsonPath drops the root struct name from a validator namespace.
func jsonPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}

type anySchema struct{}

// Any accepts every JSON object.
func Any() Schema { return anySchema{} }

func (anySchema) Validate(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return decodeViolation(err)
	}
	return nil
}

func (anySchema) Describe() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}
