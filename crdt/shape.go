package crdt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var ErrShapeMismatch = errors.New("value does not match shape")

// Shape describes how a bound value is stored under a root key.
// Scalars are stored as native document primitives.
// `ShapeJSON` values are stored as their JSON encoding, which merges as a single register.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeString
	ShapeInt
	ShapeFloat
	ShapeBool
	ShapeBytes
	ShapeJSON
)

func (self Shape) Valid() bool {
	return ShapeString <= self && self <= ShapeJSON
}

func (self Shape) String() string {
	switch self {
	case ShapeString:
		return "string"
	case ShapeInt:
		return "int"
	case ShapeFloat:
		return "float"
	case ShapeBool:
		return "bool"
	case ShapeBytes:
		return "bytes"
	case ShapeJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

func ParseShape(name string) (Shape, error) {
	for shape := ShapeString; shape <= ShapeJSON; shape += 1 {
		if shape.String() == name {
			return shape, nil
		}
	}
	return ShapeUnknown, fmt.Errorf("%w: unknown shape %s", ErrShapeMismatch, name)
}

// Parse reads a value of this shape from text. Bytes are standard base64.
func (self Shape) Parse(text string) (any, error) {
	switch self {
	case ShapeString:
		return text, nil
	case ShapeInt:
		return strconv.ParseInt(text, 10, 64)
	case ShapeFloat:
		return strconv.ParseFloat(text, 64)
	case ShapeBool:
		return strconv.ParseBool(text)
	case ShapeBytes:
		return base64.StdEncoding.DecodeString(text)
	case ShapeJSON:
		var value any
		if err := json.Unmarshal([]byte(text), &value); err != nil {
			return nil, err
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, self)
	}
}

// Encode converts an application value into the stored primitive.
// string, int64, float64, bool, []byte
func (self Shape) Encode(value any) (any, error) {
	switch self {
	case ShapeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case ShapeInt:
		if v, ok := toInt64(value); ok {
			return v, nil
		}
	case ShapeFloat:
		if v, ok := toFloat64(value); ok {
			return v, nil
		}
	case ShapeBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case ShapeBytes:
		if v, ok := value.([]byte); ok {
			return bytes.Clone(v), nil
		}
	case ShapeJSON:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, self)
	}
	return nil, fmt.Errorf("%w: %s <- %T", ErrShapeMismatch, self, value)
}

// Decode converts a stored primitive back into an application value.
// `ShapeJSON` decodes into generic JSON values (map[string]any, []any, float64, ...).
// Use `As` to convert into a concrete type.
func (self Shape) Decode(stored any) (any, error) {
	if self == ShapeJSON {
		s, ok := stored.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s stored as %T", ErrShapeMismatch, self, stored)
		}
		var value any
		if err := json.Unmarshal([]byte(s), &value); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrShapeMismatch, err)
		}
		return value, nil
	}
	// stored primitives decode to themselves
	return self.Encode(stored)
}

// Equal compares two stored primitives.
func Equal(a any, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case nil:
		return b == nil
	default:
		if _, ok := b.([]byte); ok {
			return false
		}
		return a == b
	}
}

// As converts a decoded value to `V`.
// A direct type match is returned as is; otherwise the value is converted through JSON,
// which covers numeric widening (int64 -> int) and generic JSON -> struct.
func As[V any](value any) (V, error) {
	var out V
	if value == nil {
		return out, nil
	}
	if v, ok := value.(V); ok {
		return v, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("%w: %s", ErrShapeMismatch, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("%w: %T -> %T: %s", ErrShapeMismatch, value, out, err)
	}
	return out, nil
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		if uint64(v) <= math.MaxInt64 {
			return int64(v), true
		}
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), true
		}
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit
		if v == math.Trunc(v) && math.MinInt64 <= v && v < math.MaxInt64 {
			return int64(v), true
		}
	}
	return 0, false
}

func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	if v, ok := toInt64(value); ok {
		return float64(v), true
	}
	return 0, false
}
