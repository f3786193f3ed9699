package core

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/slaclab/licco-sub000/pkg/domain"
)

// FieldKind selects the parser applied to a raw attribute value before any
// range or enum check.
type FieldKind int

const (
	FieldFloat FieldKind = iota
	FieldInt
	FieldText
	FieldDate
	FieldCommentThread
)

// FieldRule describes the type, range, and enum constraints for one device
// attribute.
type FieldRule struct {
	Kind     FieldKind
	Required bool
	Min      *float64
	Max      *float64
	Enum     []string
}

// Validator holds the per-field rules for one device type. Validators are
// value types with no mutable state and are safe to share across concurrent
// calls.
type Validator struct {
	deviceType DeviceType
	fields     map[string]FieldRule
	permissive bool
}

func ptr(f float64) *float64 { return &f }

func deviceStateNames() []string {
	names := make([]string, len(domain.DeviceStates))
	for i, s := range domain.DeviceStates {
		names[i] = string(s)
	}
	return names
}

// validators is the closed registry table mapping each device type to its
// validator. The device-type enum is append-only: add entries, never remove
// or renumber them.
var validators = map[DeviceType]Validator{
	DeviceTypeMCD: {
		deviceType: DeviceTypeMCD,
		fields: map[string]FieldRule{
			"state":        {Kind: FieldText, Required: true, Enum: deviceStateNames()},
			"comments":     {Kind: FieldText},
			"area":         {Kind: FieldText},
			"nom_loc_x":    {Kind: FieldFloat},
			"nom_loc_y":    {Kind: FieldFloat},
			"nom_loc_z":    {Kind: FieldFloat, Min: ptr(0), Max: ptr(2000)},
			"nom_ang_x":    {Kind: FieldFloat, Min: ptr(-math.Pi), Max: ptr(math.Pi)},
			"nom_ang_y":    {Kind: FieldFloat, Min: ptr(-math.Pi), Max: ptr(math.Pi)},
			"nom_ang_z":    {Kind: FieldFloat, Min: ptr(-math.Pi), Max: ptr(math.Pi)},
			"ray_trace":    {Kind: FieldInt, Min: ptr(0), Max: ptr(1)},
			"install_date": {Kind: FieldDate},
			"discussion":   {Kind: FieldCommentThread},
		},
	},
	// DeviceTypeUnknown deliberately accepts anything: escape hatch for
	// device classes not yet modeled.
	DeviceTypeUnknown: {
		deviceType: DeviceTypeUnknown,
		permissive: true,
	},
}

// ValidatorFor returns the validator registered for the given device type.
func ValidatorFor(t DeviceType) (Validator, bool) {
	v, ok := validators[t]
	return v, ok
}

// ValidateField parses a single raw value according to the field's rule and
// checks its range/enum constraints. It returns the converted value on
// success, or a field error describing what is wrong.
func (v Validator) ValidateField(name string, value any) (any, *FieldError) {
	if v.permissive {
		return value, nil
	}
	rule, ok := v.fields[name]
	if !ok {
		return nil, &FieldError{Field: name, Message: fmt.Sprintf("not a legal field for device type %q", v.deviceType)}
	}
	switch rule.Kind {
	case FieldFloat:
		f, err := toFloat(value)
		if err != nil {
			return nil, &FieldError{Field: name, Message: err.Error()}
		}
		if fe := checkRange(name, f, rule); fe != nil {
			return nil, fe
		}
		return f, nil
	case FieldInt:
		i, err := toInt(value)
		if err != nil {
			return nil, &FieldError{Field: name, Message: err.Error()}
		}
		if fe := checkRange(name, float64(i), rule); fe != nil {
			return nil, fe
		}
		return i, nil
	case FieldText:
		s, ok := value.(string)
		if !ok {
			return nil, &FieldError{Field: name, Message: fmt.Sprintf("expected text, got %T", value)}
		}
		if len(rule.Enum) > 0 && !containsString(rule.Enum, s) {
			return nil, &FieldError{Field: name, Message: fmt.Sprintf("%q is not one of the allowed values", s)}
		}
		return s, nil
	case FieldDate:
		s, ok := value.(string)
		if !ok {
			return nil, &FieldError{Field: name, Message: fmt.Sprintf("expected ISO date string, got %T", value)}
		}
		if _, err := parseDate(s); err != nil {
			return nil, &FieldError{Field: name, Message: fmt.Sprintf("invalid date %q", s)}
		}
		return s, nil
	case FieldCommentThread:
		// Opaque to validation; the device store handles comment merging.
		return value, nil
	}
	return nil, &FieldError{Field: name, Message: "unsupported field kind"}
}

// ValidateAttributes validates and converts a full attribute map. All field
// errors are aggregated so the caller receives a complete report in one
// pass; converted values are returned only when there are no errors.
func (v Validator) ValidateAttributes(attrs map[string]any) (map[string]any, []FieldError) {
	if v.permissive {
		return attrs, nil
	}
	var errs []FieldError
	converted := make(map[string]any, len(attrs))
	for name, raw := range attrs {
		val, fe := v.ValidateField(name, raw)
		if fe != nil {
			errs = append(errs, *fe)
			continue
		}
		converted[name] = val
	}
	for name, rule := range v.fields {
		if !rule.Required {
			continue
		}
		if _, present := attrs[name]; !present {
			errs = append(errs, FieldError{Field: name, Message: "required field missing"})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return converted, nil
}

// ValidateDevice checks a full device record: an unset device type is a hard
// failure (it signals a caller bug), an unknown type accepts anything, and
// every other type must satisfy its registered field rules.
func ValidateDevice(d DeviceRecord) []FieldError {
	if d.DeviceType == DeviceTypeUnset {
		return []FieldError{{Field: "device_type", Message: "device type is unset"}}
	}
	v, ok := ValidatorFor(d.DeviceType)
	if !ok {
		return []FieldError{{Field: "device_type", Message: fmt.Sprintf("no validator registered for device type %q", d.DeviceType)}}
	}
	var errs []FieldError
	if d.FC == "" {
		errs = append(errs, FieldError{Field: "fc", Message: "functional component name required"})
	}
	_, fieldErrs := v.ValidateAttributes(d.Attributes)
	return append(errs, fieldErrs...)
}

func checkRange(name string, f float64, rule FieldRule) *FieldError {
	if rule.Min != nil && f < *rule.Min {
		return &FieldError{Field: name, Message: fmt.Sprintf("%v is below the minimum %v", f, *rule.Min)}
	}
	if rule.Max != nil && f > *rule.Max {
		return &FieldError{Field: name, Message: fmt.Sprintf("%v is above the maximum %v", f, *rule.Max)}
	}
	return nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected a number, got %T", value)
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", v)
		}
		return i, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", value)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
