package imageio

import "testing"

func TestBaseTypeSize(t *testing.T) {
	tests := []struct {
		t    BaseType
		size int
	}{
		{TypeUnknown, 0},
		{TypeUInt8, 1},
		{TypeInt8, 1},
		{TypeUInt16, 2},
		{TypeInt16, 2},
		{TypeUInt32, 4},
		{TypeInt32, 4},
		{TypeUInt64, 8},
		{TypeInt64, 8},
		{TypeHalf, 2},
		{TypeFloat, 4},
		{TypeDouble, 8},
		{BaseType(200), 0},
	}
	for _, tt := range tests {
		if got := tt.t.Size(); got != tt.size {
			t.Errorf("%v.Size() = %d, want %d", tt.t, got, tt.size)
		}
	}
}

func TestBaseTypeClasses(t *testing.T) {
	for _, ft := range []BaseType{TypeHalf, TypeFloat, TypeDouble} {
		if !ft.IsFloat() {
			t.Errorf("%v.IsFloat() = false", ft)
		}
		if !ft.IsSigned() {
			t.Errorf("%v.IsSigned() = false", ft)
		}
	}
	for _, it := range []BaseType{TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64} {
		if it.IsFloat() {
			t.Errorf("%v.IsFloat() = true", it)
		}
		if it.IsSigned() {
			t.Errorf("%v.IsSigned() = true", it)
		}
	}
	for _, st := range []BaseType{TypeInt8, TypeInt16, TypeInt32, TypeInt64} {
		if !st.IsSigned() {
			t.Errorf("%v.IsSigned() = false", st)
		}
		if st.IsFloat() {
			t.Errorf("%v.IsFloat() = true", st)
		}
	}
	if TypeUnknown.Valid() {
		t.Error("TypeUnknown.Valid() = true")
	}
	if BaseType(200).Valid() {
		t.Error("BaseType(200).Valid() = true")
	}
	if !TypeHalf.Valid() {
		t.Error("TypeHalf.Valid() = false")
	}
}

func TestTypeFromString(t *testing.T) {
	tests := []struct {
		in   string
		want BaseType
	}{
		{"uint8", TypeUInt8},
		{"int16", TypeInt16},
		{"half", TypeHalf},
		{"float", TypeFloat},
		{"double", TypeDouble},
		{"  FLOAT ", TypeFloat},
		{"float32", TypeFloat},
		{"float64", TypeDouble},
		{"float16", TypeHalf},
		{"unknown", TypeUnknown},
		{"bogus", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tt := range tests {
		if got := TypeFromString(tt.in); got != tt.want {
			t.Errorf("TypeFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTypeStringRoundTrip(t *testing.T) {
	for bt := TypeUInt8; bt <= TypeDouble; bt++ {
		if got := TypeFromString(bt.String()); got != bt {
			t.Errorf("TypeFromString(%q) = %v, want %v", bt.String(), got, bt)
		}
	}
}
