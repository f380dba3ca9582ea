package imageio

import "strings"

// BaseType identifies the data type of one pixel channel sample.
type BaseType uint8

// Pixel channel data types.
const (
	TypeUnknown BaseType = iota
	TypeUInt8
	TypeInt8
	TypeUInt16
	TypeInt16
	TypeUInt32
	TypeInt32
	TypeUInt64
	TypeInt64
	TypeHalf
	TypeFloat
	TypeDouble
)

var typeSizes = [...]int{
	TypeUnknown: 0,
	TypeUInt8:   1,
	TypeInt8:    1,
	TypeUInt16:  2,
	TypeInt16:   2,
	TypeUInt32:  4,
	TypeInt32:   4,
	TypeUInt64:  8,
	TypeInt64:   8,
	TypeHalf:    2,
	TypeFloat:   4,
	TypeDouble:  8,
}

var typeNames = [...]string{
	TypeUnknown: "unknown",
	TypeUInt8:   "uint8",
	TypeInt8:    "int8",
	TypeUInt16:  "uint16",
	TypeInt16:   "int16",
	TypeUInt32:  "uint32",
	TypeInt32:   "int32",
	TypeUInt64:  "uint64",
	TypeInt64:   "int64",
	TypeHalf:    "half",
	TypeFloat:   "float",
	TypeDouble:  "double",
}

// Size returns the size of one sample in bytes, 0 for TypeUnknown.
func (t BaseType) Size() int {
	if int(t) >= len(typeSizes) {
		return 0
	}
	return typeSizes[t]
}

// String returns the canonical lower-case type name.
func (t BaseType) String() string {
	if int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// IsFloat reports whether t is a floating-point type (half, float, double).
func (t BaseType) IsFloat() bool {
	return t == TypeHalf || t == TypeFloat || t == TypeDouble
}

// IsSigned reports whether t is a signed integer or floating-point type.
func (t BaseType) IsSigned() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeHalf, TypeFloat, TypeDouble:
		return true
	}
	return false
}

// Valid reports whether t names a concrete pixel type.
func (t BaseType) Valid() bool {
	return t > TypeUnknown && t <= TypeDouble
}

// TypeFromString parses a type name as produced by String.
// Unrecognized names return TypeUnknown.
func TypeFromString(s string) BaseType {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s && BaseType(t) != TypeUnknown {
			return BaseType(t)
		}
	}
	// Accept the common aliases.
	switch s {
	case "float32":
		return TypeFloat
	case "float64":
		return TypeDouble
	case "float16":
		return TypeHalf
	}
	return TypeUnknown
}
