package economy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind tags the dynamic type of a configuration value.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueInt    ValueKind = "int"
	ValueFloat  ValueKind = "float"
	ValueBool   ValueKind = "bool"
)

// Value is the tagged variant type stored by the configuration store.
// Coercion between kinds is explicit and best-effort; callers fall back to
// their own defaults on any mismatch.
type Value struct {
	kind    ValueKind
	str     string
	integer int64
	float   float64
	boolean bool
}

// StringValue wraps a string.
func StringValue(value string) Value {
	return Value{kind: ValueString, str: value}
}

// IntValue wraps an integer.
func IntValue(value int64) Value {
	return Value{kind: ValueInt, integer: value}
}

// FloatValue wraps a float.
func FloatValue(value float64) Value {
	return Value{kind: ValueFloat, float: value}
}

// BoolValue wraps a boolean.
func BoolValue(value bool) Value {
	return Value{kind: ValueBool, boolean: value}
}

// Kind returns the tagged kind.
func (value Value) Kind() ValueKind {
	return value.kind
}

// IsZero reports whether the value was never set.
func (value Value) IsZero() bool {
	return value.kind == ""
}

// AsString renders any kind as its string form.
func (value Value) AsString() (string, bool) {
	switch value.kind {
	case ValueString:
		return value.str, true
	case ValueInt:
		return strconv.FormatInt(value.integer, 10), true
	case ValueFloat:
		return strconv.FormatFloat(value.float, 'f', -1, 64), true
	case ValueBool:
		return strconv.FormatBool(value.boolean), true
	}
	return "", false
}

// AsInt64 coerces integers, integral floats, and numeric strings.
func (value Value) AsInt64() (int64, bool) {
	switch value.kind {
	case ValueInt:
		return value.integer, true
	case ValueFloat:
		truncated := int64(value.float)
		if float64(truncated) == value.float {
			return truncated, true
		}
		return 0, false
	case ValueString:
		parsed, err := strconv.ParseInt(value.str, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// AsFloat64 coerces floats, integers, and numeric strings.
func (value Value) AsFloat64() (float64, bool) {
	switch value.kind {
	case ValueFloat:
		return value.float, true
	case ValueInt:
		return float64(value.integer), true
	case ValueString:
		parsed, err := strconv.ParseFloat(value.str, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// AsBool coerces booleans, boolean strings, and 0/1 integers.
func (value Value) AsBool() (bool, bool) {
	switch value.kind {
	case ValueBool:
		return value.boolean, true
	case ValueString:
		parsed, err := strconv.ParseBool(value.str)
		if err != nil {
			return false, false
		}
		return parsed, true
	case ValueInt:
		switch value.integer {
		case 0:
			return false, true
		case 1:
			return true, true
		}
	}
	return false, false
}

// MarshalJSON stores the value as a plain JSON scalar.
func (value Value) MarshalJSON() ([]byte, error) {
	switch value.kind {
	case ValueString:
		return json.Marshal(value.str)
	case ValueInt:
		return json.Marshal(value.integer)
	case ValueFloat:
		return json.Marshal(value.float)
	case ValueBool:
		return json.Marshal(value.boolean)
	}
	return nil, fmt.Errorf("%w: unset value", ErrInvalidValue)
}

// UnmarshalJSON restores the tagged kind from a JSON scalar, distinguishing
// integers from floats by representation.
func (value *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw interface{}
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	switch typed := raw.(type) {
	case string:
		*value = StringValue(typed)
	case bool:
		*value = BoolValue(typed)
	case json.Number:
		if integer, err := strconv.ParseInt(typed.String(), 10, 64); err == nil {
			*value = IntValue(integer)
			return nil
		}
		float, err := typed.Float64()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		*value = FloatValue(float)
	default:
		return fmt.Errorf("%w: unsupported json type %T", ErrInvalidValue, raw)
	}
	return nil
}
