package imageio

import (
	"fmt"

	"github.com/mrjoshuak/go-imageio/half"
)

// ParamValue is one named metadata entry on an ImageSpec. Value holds
// one of: int, float32, float64, string, bool, []int, []float32,
// []string, or []byte for opaque payloads.
type ParamValue struct {
	Name  string
	Value any
}

// String formats the entry as name=value.
func (p ParamValue) String() string {
	return fmt.Sprintf("%s=%v", p.Name, p.Value)
}

// ParamValueList is an ordered set of metadata entries. Order is
// preserved across get/set; setting an existing name replaces its
// value in place.
type ParamValueList []ParamValue

// Find returns the index of name, or -1.
func (l ParamValueList) Find(name string) int {
	for i := range l {
		if l[i].Name == name {
			return i
		}
	}
	return -1
}

// Get returns the value stored under name and whether it was present.
func (l ParamValueList) Get(name string) (any, bool) {
	if i := l.Find(name); i >= 0 {
		return l[i].Value, true
	}
	return nil, false
}

// Set stores value under name, replacing any existing entry in place.
func (l *ParamValueList) Set(name string, value any) {
	if i := l.Find(name); i >= 0 {
		(*l)[i].Value = value
		return
	}
	*l = append(*l, ParamValue{Name: name, Value: value})
}

// Remove deletes the entry for name, reporting whether it existed.
func (l *ParamValueList) Remove(name string) bool {
	i := l.Find(name)
	if i < 0 {
		return false
	}
	*l = append((*l)[:i], (*l)[i+1:]...)
	return true
}

// GetInt returns the entry as an int, accepting any integer or float
// value stored under name. Returns def when absent or non-numeric.
func (l ParamValueList) GetInt(name string, def int) int {
	v, ok := l.Get(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint32:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// GetFloat returns the entry as a float32, converting numeric and
// half values. Returns def when absent or non-numeric.
func (l ParamValueList) GetFloat(name string, def float32) float32 {
	v, ok := l.Get(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float32:
		return n
	case float64:
		return float32(n)
	case int:
		return float32(n)
	case int32:
		return float32(n)
	case int64:
		return float32(n)
	case half.Half:
		return n.Float32()
	}
	return def
}

// GetString returns the entry as a string, or def when absent or not
// a string.
func (l ParamValueList) GetString(name string, def string) string {
	if v, ok := l.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Clone returns a copy of the list. Slice-valued entries share
// backing arrays with the original.
func (l ParamValueList) Clone() ParamValueList {
	if len(l) == 0 {
		return nil
	}
	out := make(ParamValueList, len(l))
	copy(out, l)
	return out
}

// Merge copies every entry of other into l, replacing duplicates.
func (l *ParamValueList) Merge(other ParamValueList) {
	for _, p := range other {
		l.Set(p.Name, p.Value)
	}
}
