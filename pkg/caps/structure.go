// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package caps

import (
	"fmt"
	"slices"
	"strings"
)

type Field struct {
	Name  string
	Value any
}

// Structure is a named set of typed fields, e.g. audio/x-raw, rate=48000.
type Structure struct {
	name   string
	fields []Field
}

func NewStructure(name string) *Structure {
	return &Structure{name: name}
}

func (s *Structure) Name() string {
	return s.name
}

// Set stores a field value. It panics on value types that cannot be
// represented in caps.
func (s *Structure) Set(field string, value any) *Structure {
	if err := s.SetValue(field, value); err != nil {
		panic(err)
	}
	return s
}

func (s *Structure) SetValue(field string, value any) error {
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for i := range s.fields {
		if s.fields[i].Name == field {
			s.fields[i].Value = v
			return nil
		}
	}
	s.fields = append(s.fields, Field{Name: field, Value: v})
	return nil
}

func (s *Structure) Get(field string) (any, bool) {
	for _, f := range s.fields {
		if f.Name == field {
			return f.Value, true
		}
	}
	return nil, false
}

func (s *Structure) Has(field string) bool {
	_, ok := s.Get(field)
	return ok
}

func (s *Structure) GetInt(field string) (int, bool) {
	v, _ := s.Get(field)
	i, ok := v.(int)
	return i, ok
}

func (s *Structure) GetDouble(field string) (float64, bool) {
	v, _ := s.Get(field)
	f, ok := v.(float64)
	return f, ok
}

func (s *Structure) GetString(field string) (string, bool) {
	v, _ := s.Get(field)
	str, ok := v.(string)
	return str, ok
}

func (s *Structure) GetBool(field string) (bool, bool) {
	v, _ := s.Get(field)
	b, ok := v.(bool)
	return b, ok
}

func (s *Structure) GetFraction(field string) (Fraction, bool) {
	v, _ := s.Get(field)
	f, ok := v.(Fraction)
	return f, ok
}

func (s *Structure) Remove(field string) {
	s.fields = slices.DeleteFunc(s.fields, func(f Field) bool { return f.Name == field })
}

func (s *Structure) Fields() []Field {
	return slices.Clone(s.fields)
}

func (s *Structure) NumFields() int {
	return len(s.fields)
}

func (s *Structure) Copy() *Structure {
	return &Structure{name: s.name, fields: slices.Clone(s.fields)}
}

func (s *Structure) IsFixed() bool {
	for _, f := range s.fields {
		if !isFixedValue(f.Value) {
			return false
		}
	}
	return true
}

// Intersect returns the structure allowing only values permitted by both.
// Fields present on one side only are kept as they are.
func (s *Structure) Intersect(o *Structure) (*Structure, bool) {
	if s.name != o.name {
		return nil, false
	}
	out := &Structure{name: s.name, fields: make([]Field, 0, len(s.fields)+len(o.fields))}
	for _, f := range s.fields {
		if ov, ok := o.Get(f.Name); ok {
			v, ok := intersectValues(f.Value, ov)
			if !ok {
				return nil, false
			}
			out.fields = append(out.fields, Field{Name: f.Name, Value: v})
		} else {
			out.fields = append(out.fields, f)
		}
	}
	for _, f := range o.fields {
		if !s.Has(f.Name) {
			out.fields = append(out.fields, f)
		}
	}
	return out, true
}

func (s *Structure) CanIntersect(o *Structure) bool {
	_, ok := s.Intersect(o)
	return ok
}

// IsSubset reports whether every value set described by s is described by o.
func (s *Structure) IsSubset(o *Structure) bool {
	if s.name != o.name {
		return false
	}
	for _, f := range o.fields {
		v, ok := s.Get(f.Name)
		if !ok || !subsetValue(v, f.Value) {
			return false
		}
	}
	return true
}

func (s *Structure) IsEqual(o *Structure) bool {
	return s.canonical().String() == o.canonical().String()
}

// Fixate returns a copy where every range and list is reduced to one value.
func (s *Structure) Fixate() *Structure {
	out := s.Copy()
	for i := range out.fields {
		out.fields[i].Value = fixateValue(out.fields[i].Value)
	}
	return out
}

func (s *Structure) FixateFieldNearestInt(field string, target int) bool {
	v, ok := s.Get(field)
	if !ok {
		return false
	}
	best, found := nearestInt(v, target)
	if found {
		s.Set(field, best)
	}
	return found
}

func nearestInt(v any, target int) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case IntRange:
		return min(max(target, x.Min), x.Max), true
	case List:
		best, found := 0, false
		for _, e := range x {
			if c, ok := nearestInt(e, target); ok {
				if !found || abs(c-target) < abs(best-target) {
					best, found = c, true
				}
			}
		}
		return best, found
	}
	return 0, false
}

func (s *Structure) FixateFieldNearestFraction(field string, target Fraction) bool {
	v, ok := s.Get(field)
	if !ok {
		return false
	}
	best, found := nearestFraction(v, target)
	if found {
		s.Set(field, best)
	}
	return found
}

func nearestFraction(v any, target Fraction) (Fraction, bool) {
	switch x := v.(type) {
	case Fraction:
		return x, true
	case FractionRange:
		switch {
		case target.Compare(x.Min) < 0:
			return x.Min, true
		case target.Compare(x.Max) > 0:
			return x.Max, true
		default:
			return target, true
		}
	case List:
		var best Fraction
		found := false
		for _, e := range x {
			if c, ok := nearestFraction(e, target); ok {
				d := abs64(c.Float64() - target.Float64())
				if !found || d < abs64(best.Float64()-target.Float64()) {
					best, found = c, true
				}
			}
		}
		return best, found
	}
	return Fraction{}, false
}

func (s *Structure) FixateFieldString(field, target string) bool {
	v, ok := s.Get(field)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case string:
		return true
	case List:
		for _, e := range x {
			if e == target {
				s.Set(field, target)
				return true
			}
		}
		for _, e := range x {
			if str, ok := e.(string); ok {
				s.Set(field, str)
				return true
			}
		}
	}
	return false
}

func (s *Structure) canonical() *Structure {
	out := &Structure{name: s.name, fields: make([]Field, 0, len(s.fields))}
	for _, f := range s.fields {
		out.fields = append(out.fields, Field{Name: f.Name, Value: canonicalValue(f.Value)})
	}
	slices.SortFunc(out.fields, func(a, b Field) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Structure) String() string {
	var sb strings.Builder
	sb.WriteString(s.name)
	for _, f := range s.fields {
		sb.WriteString(", ")
		sb.WriteString(f.Name)
		sb.WriteString("=")
		if t := typeName(f.Value); t != "" {
			sb.WriteString("(")
			sb.WriteString(t)
			sb.WriteString(")")
		}
		sb.WriteString(formatValue(f.Value))
	}
	return sb.String()
}

func abs64(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
