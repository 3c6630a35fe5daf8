package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Errors is a list of field failures. It is returned as an error by Body,
// Query and Struct.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AsErrors extracts field errors from err.
func AsErrors(err error) (Errors, bool) {
	var ve Errors
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Validator checks request payloads against struct schemas carrying
// `validate` tags.
type Validator struct {
	v *validator.Validate
}

// New returns a Validator with the custom rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	_ = v.RegisterValidation("securepassword", validateSecurePassword)
	_ = v.RegisterValidation("safefilename", func(fl validator.FieldLevel) bool {
		return validFilename(fl.Field().String())
	})
	_ = v.RegisterValidation("noinjection", func(fl validator.FieldLevel) bool {
		_, found := DetectInjection(fl.Field().String())
		return !found
	})
	return &Validator{v: v}
}

// DecodeTree parses a JSON body into a generic tree. An empty body decodes
// to an empty object.
func DecodeTree(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, Errors{{Field: "body", Rule: "json", Message: "Malformed JSON body"}}
	}
	if dec.More() {
		return nil, Errors{{Field: "body", Rule: "json", Message: "Body must hold a single JSON value"}}
	}
	return tree, nil
}

// Tree sanitizes every string leaf of tree, decodes the result into dst
// and validates it. Validation therefore sees the values the handler will.
func (v *Validator) Tree(tree any, dst any) error {
	clean, err := json.Marshal(SanitizeTree(tree))
	if err != nil {
		return fmt.Errorf("re-encoding body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	return v.Struct(dst)
}

// Body decodes and validates a JSON body into dst.
func (v *Validator) Body(r io.Reader, dst any) error {
	tree, err := DecodeTree(r)
	if err != nil {
		return err
	}
	return v.Tree(tree, dst)
}

// Query maps single-valued query parameters onto the fields of dst by their
// `query` tag (falling back to `json`), sanitizes them and validates dst.
// String, integer and boolean fields are supported.
func (v *Validator) Query(values url.Values, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("query target must be a pointer to a struct, got %T", dst)
	}
	rv = rv.Elem()
	rt := rv.Type()

	var errs Errors
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := paramName(f)
		if name == "" {
			continue
		}
		raw, ok := values[name]
		if !ok || len(raw) == 0 {
			continue
		}
		if len(raw) > 1 {
			errs = append(errs, FieldError{Field: name, Rule: "single", Message: "Parameter must appear once"})
			continue
		}
		val := Sanitize(raw[0])
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(val)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(val, 10, fv.Type().Bits())
			if err != nil {
				errs = append(errs, FieldError{Field: name, Rule: "type", Message: "Must be an integer"})
				continue
			}
			fv.SetInt(n)
		case reflect.Bool:
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, FieldError{Field: name, Rule: "type", Message: "Must be a boolean"})
				continue
			}
			fv.SetBool(b)
		default:
			return fmt.Errorf("unsupported query field %s of kind %s", f.Name, fv.Kind())
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return v.Struct(dst)
}

// Struct runs the tag rules on dst.
func (v *Validator) Struct(dst any) error {
	err := v.v.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating: %w", err)
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fieldPath(fe.Namespace()),
			Rule:    fe.Tag(),
			Message: formatMessage(fe),
		})
	}
	return out
}

func paramName(f reflect.StructField) string {
	for _, tag := range []string{"query", "json"} {
		name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return Errors{{Field: field, Rule: "type", Message: "Must be of type " + typeErr.Type.String()}}
	}
	if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
		field := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return Errors{{Field: field, Rule: "unknown", Message: "Unknown field"}}
	}
	return Errors{{Field: "body", Rule: "json", Message: "Malformed JSON body"}}
}

func formatMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "min":
		return "Value is too short (min " + fe.Param() + ")"
	case "max":
		return "Value is too long (max " + fe.Param() + ")"
	case "len":
		return "Value must have length " + fe.Param()
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "alphanum":
		return "Only alphanumeric characters are allowed"
	case "uuid", "uuid4":
		return "Must be a UUID"
	case "securepassword":
		return "Password must be at least 8 characters and mix three character classes"
	case "safefilename":
		return "Filename contains disallowed characters"
	case "noinjection":
		return "Value contains a disallowed pattern"
	default:
		return "Invalid value"
	}
}

// validateSecurePassword requires 8+ characters from at least three of
// upper, lower, digit and symbol classes.
func validateSecurePassword(fl validator.FieldLevel) bool {
	password := fl.Field().String()
	if len(password) < 8 {
		return false
	}
	var upper, lower, digit, special bool
	for _, c := range password {
		switch {
		case 'A' <= c && c <= 'Z':
			upper = true
		case 'a' <= c && c <= 'z':
			lower = true
		case '0' <= c && c <= '9':
			digit = true
		case strings.ContainsRune(`!@#$%^&*()-_=+[]{}|;:'",.<>/?`, c):
			special = true
		}
	}
	count := 0
	for _, ok := range []bool{upper, lower, digit, special} {
		if ok {
			count++
		}
	}
	return count >= 3
}
