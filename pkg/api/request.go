package api

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxBodyBytes caps tool request bodies. Context documents are the largest
// legitimate payload and stay well under this.
const maxBodyBytes = 1 << 20

// validate checks the typed tool requests after JSON binding. Field names
// in its errors come from the json tags so they match the wire names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs the tag validators over a bound request and converts the
// first failure into a wire validation error.
func checkStruct(req interface{}) *toolError {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
		fe := verrs[0]
		return errFieldValidation(fe.Field(), "field "+fe.Field()+" failed "+fe.Tag()+" validation", expectedFor(fe))
	}
	return errValidation(err.Error())
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

func expectedFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "uuid":
		return "a UUID string"
	case "oneof":
		return "one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte":
		return "a value >= " + fe.Param()
	case "lte":
		return "a value <= " + fe.Param()
	case "min":
		return "at least " + fe.Param()
	case "max":
		return "at most " + fe.Param()
	default:
		return ""
	}
}

// rawRequest is the request body decoded into a map. The typed structs
// drive the handlers; the map answers presence questions the structs
// cannot, like an absent field versus its zero value.
type rawRequest map[string]interface{}

// bindRequest unmarshals the body into a tool's typed request and runs the
// tag validators over it.
func bindRequest(body []byte, typed interface{}) *toolError {
	if err := json.Unmarshal(body, typed); err != nil {
		return errValidation("request field types do not match the schema: " + err.Error())
	}
	return checkStruct(typed)
}

func (r rawRequest) has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// hasValue reports whether the field is present with a usable value. Blank
// strings and empty arrays count as missing so "title": "" fails the same
// way an absent title does.
func (r rawRequest) hasValue(key string) bool {
	v, ok := r[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func (r rawRequest) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// parseUUID converts a wire identifier, surfacing a field-level validation
// error on malformed input.
func parseUUID(field, value string) (uuid.UUID, *toolError) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, errFieldValidation(field, field+" is not a valid identifier", "a UUID string")
	}
	return id, nil
}

func parseOptionalUUID(field, value string) (*uuid.UUID, *toolError) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	id, te := parseUUID(field, value)
	if te != nil {
		return nil, te
	}
	return &id, nil
}

func parseUUIDList(field string, values []string) ([]uuid.UUID, *toolError) {
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, te := parseUUID(field, v)
		if te != nil {
			return nil, te
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseOptionalTime(field, value string) (*time.Time, *toolError) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errFieldValidation(field, field+" is not a valid timestamp", "an RFC 3339 timestamp")
	}
	return &t, nil
}

// coalesce returns the first non-blank value. Tools accept a bare "id"
// alias for their canonical identifier field; handlers resolve the pair
// with this.
func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
