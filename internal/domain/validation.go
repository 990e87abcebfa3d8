package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrForbidden is returned when an event names a package other than the one
// the API key was issued for.
var ErrForbidden = errors.New("api key not authorized for package")

// PackageMismatchError is the concrete ErrForbidden.
type PackageMismatchError struct {
	KeyPackage   string
	EventPackage string
}

func (e *PackageMismatchError) Error() string {
	return fmt.Sprintf("API key is not authorized for package '%s'. This key is for package '%s'",
		e.EventPackage, e.KeyPackage)
}

func (e *PackageMismatchError) Is(target error) bool { return target == ErrForbidden }

// FieldError represents a single field's validation error.
type FieldError struct {
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.FieldPath, e.Reason) }

var (
	validate           *validator.Validate
	pythonVersionRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)+$`)
)

// A single validator instance is used, because it caches struct parsing.
func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	rules := map[string]validator.Func{
		"pyversion": func(fl validator.FieldLevel) bool {
			return pythonVersionRegex.MatchString(fl.Field().String())
		},
		"uuid_any": func(fl validator.FieldLevel) bool {
			_, err := uuid.Parse(fl.Field().String())
			return err == nil
		},
		"rfc3339": func(fl validator.FieldLevel) bool {
			_, err := time.Parse(time.RFC3339Nano, fl.Field().String())
			return err == nil
		},
	}
	for tag, fn := range rules {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
}

// rawEventFields maps each json name of RawEvent to its struct field index,
// in declaration order.
var rawEventFields = func() []rawField {
	t := reflect.TypeOf(RawEvent{})
	out := make([]rawField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]
		if name != "" && name != "-" {
			out = append(out, rawField{name: name, index: i})
		}
	}
	return out
}()

type rawField struct {
	name  string
	index int
}

// DecodeRawEvent parses one submitted event field by field, so a value of
// the wrong type is reported against its field while the rest still decode.
// A body that is not a JSON object yields a single "body" error.
func DecodeRawEvent(data []byte) (RawEvent, []FieldError) {
	var raw RawEvent
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return raw, []FieldError{{"body", "must be a JSON object"}}
		}
		return raw, []FieldError{{"body", "invalid JSON: " + err.Error()}}
	}
	if fields == nil {
		return raw, []FieldError{{"body", "must be a JSON object"}}
	}

	v := reflect.ValueOf(&raw).Elem()
	var errs []FieldError
	for _, f := range rawEventFields {
		b, ok := fields[f.name]
		if !ok {
			continue
		}
		fv := v.Field(f.index)
		if err := json.Unmarshal(b, fv.Addr().Interface()); err != nil {
			fv.Set(reflect.Zero(fv.Type()))
			errs = append(errs, FieldError{f.name, decodeReason(err)})
		}
	}
	return raw, errs
}

func decodeReason(err error) string {
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		return "invalid value: " + err.Error()
	}
	want := jsonTypeName(typeErr.Type)
	if want == "number" && strings.HasPrefix(typeErr.Value, "number") {
		return "must be an integer"
	}
	return fmt.Sprintf("expected %s, got %s", want, typeErr.Value)
}

// ParseEvent decodes and validates one submitted event. Type errors and
// constraint errors are reported together; a package mismatch still
// short-circuits with an error wrapping ErrForbidden.
func ParseEvent(data []byte, pkg string, now time.Time, skew time.Duration) (Event, []FieldError, error) {
	raw, decodeErrs := DecodeRawEvent(data)
	if hasField(decodeErrs, "body") {
		return Event{}, decodeErrs, nil
	}
	ev, errs, err := ValidateEvent(&raw, pkg, now, skew)
	if err != nil {
		return Event{}, nil, err
	}
	if len(decodeErrs) == 0 {
		return ev, errs, nil
	}
	for _, e := range errs {
		if !hasField(decodeErrs, e.FieldPath) {
			decodeErrs = append(decodeErrs, e)
		}
	}
	return Event{}, decodeErrs, nil
}

// ValidateEvent checks one raw event against the authenticated package.
// A package mismatch short-circuits and is returned as an error wrapping
// ErrForbidden; every other problem is collected into the FieldError list.
// now: reference time (injectable for tests)
// skew: allowable future skew, zero disables the check
func ValidateEvent(raw *RawEvent, pkg string, now time.Time, skew time.Duration) (Event, []FieldError, error) {
	raw.trim()

	if raw.PackageName != "" && raw.PackageName != pkg {
		return Event{}, nil, &PackageMismatchError{KeyPackage: pkg, EventPackage: raw.PackageName}
	}

	var errs []FieldError
	if err := validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Event{}, nil, fmt.Errorf("validate event: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, FieldError{FieldPath: fe.Field(), Reason: reasonFor(fe)})
		}
	}

	for _, path := range raw.nulFields() {
		if !hasField(errs, path) {
			errs = append(errs, FieldError{path, "must not contain NUL characters"})
		}
	}

	var ts time.Time
	if raw.EventTimestamp != "" && !hasField(errs, "event_timestamp") {
		ts, _ = time.Parse(time.RFC3339Nano, raw.EventTimestamp)
		if skew > 0 && ts.After(now.Add(skew)) {
			errs = append(errs, FieldError{"event_timestamp", "must not be in the future (beyond allowed skew)"})
		}
	}
	if len(errs) > 0 {
		return Event{}, errs, nil
	}

	sessionID, _ := uuid.Parse(raw.SessionID)
	ev := Event{
		SessionID:            sessionID,
		PackageName:          raw.PackageName,
		PackageVersion:       raw.PackageVersion,
		PythonVersion:        raw.PythonVersion,
		PythonImplementation: raw.PythonImplementation,
		OSType:               raw.OSType,
		OSVersion:            raw.OSVersion,
		OSRelease:            raw.OSRelease,
		Architecture:         raw.Architecture,
		InstallationMethod:   raw.InstallationMethod,
		VirtualEnvType:       raw.VirtualEnvType,
		CPUCount:             raw.CPUCount,
		TotalMemoryGB:        raw.TotalMemoryGB,
		EntryPoint:           raw.EntryPoint,
		EventTimestamp:       ts,
		ExtraData:            raw.ExtraData,
		EventName:            raw.EventName,
		Properties:           raw.Properties,
	}
	if raw.VirtualEnv != nil {
		ev.VirtualEnv = *raw.VirtualEnv
	}
	return ev, nil, nil
}

// ValidateBatchSize enforces the batch envelope (1..max items).
func ValidateBatchSize(n, max int) []FieldError {
	switch {
	case n == 0:
		return []FieldError{{"events", "must contain at least one item"}}
	case n > max:
		return []FieldError{{"events", fmt.Sprintf("must contain at most %d items", max)}}
	}
	return nil
}

func (r *RawEvent) trim() {
	for _, s := range []*string{
		&r.SessionID, &r.PackageName, &r.PackageVersion, &r.PythonVersion,
		&r.PythonImplementation, &r.OSType, &r.OSVersion, &r.OSRelease,
		&r.Architecture, &r.InstallationMethod, &r.VirtualEnvType,
		&r.EntryPoint, &r.EventTimestamp, &r.EventName,
	} {
		*s = strings.TrimSpace(*s)
	}
}

// nulFields lists the fields whose text, object keys or nested strings
// contain U+0000, which the stores cannot hold.
func (r *RawEvent) nulFields() []string {
	var out []string
	v := reflect.ValueOf(r).Elem()
	for _, f := range rawEventFields {
		fv := v.Field(f.index)
		switch x := fv.Interface().(type) {
		case string:
			if strings.ContainsRune(x, 0) {
				out = append(out, f.name)
			}
		case Object:
			if ObjectValue(x).containsNUL() {
				out = append(out, f.name)
			}
		}
	}
	return out
}

func (v Value) containsNUL() bool {
	switch v.kind {
	case KindString:
		return strings.ContainsRune(v.str, 0)
	case KindArray:
		for _, e := range v.arr {
			if e.containsNUL() {
				return true
			}
		}
	case KindObject:
		for k, e := range v.obj {
			if strings.ContainsRune(k, 0) || e.containsNUL() {
				return true
			}
		}
	}
	return false
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "uuid_any":
		return "must be a valid UUID"
	case "pyversion":
		return "invalid Python version format"
	case "rfc3339":
		return "must be an ISO-8601 timestamp with a timezone offset"
	}
	return "failed on the '" + fe.Tag() + "' rule"
}

func hasField(errs []FieldError, path string) bool {
	for _, e := range errs {
		if e.FieldPath == path {
			return true
		}
	}
	return false
}

func jsonTypeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Float64:
		return "number"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice:
		return "array"
	case reflect.Ptr:
		return jsonTypeName(t.Elem())
	}
	return t.String()
}
