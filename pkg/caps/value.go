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
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Field values are one of int, float64, string, bool, Fraction, IntRange,
// DoubleRange, FractionRange or List.

type Fraction struct {
	Num int
	Den int
}

func NewFraction(num, den int) Fraction {
	if den == 0 {
		den = 1
	}
	if den < 0 {
		num, den = -num, -den
	}
	if g := gcd(abs(num), den); g > 1 {
		num, den = num/g, den/g
	}
	return Fraction{Num: num, Den: den}
}

func (f Fraction) Compare(o Fraction) int {
	return cmp.Compare(int64(f.Num)*int64(o.Den), int64(o.Num)*int64(f.Den))
}

func (f Fraction) Float64() float64 {
	return float64(f.Num) / float64(f.Den)
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

type IntRange struct {
	Min int
	Max int
}

func (r IntRange) String() string {
	return fmt.Sprintf("[ %d, %d ]", r.Min, r.Max)
}

type DoubleRange struct {
	Min float64
	Max float64
}

func (r DoubleRange) String() string {
	return fmt.Sprintf("[ %s, %s ]", formatDouble(r.Min), formatDouble(r.Max))
}

type FractionRange struct {
	Min Fraction
	Max Fraction
}

func (r FractionRange) String() string {
	return fmt.Sprintf("[ %s, %s ]", r.Min, r.Max)
}

// List is an unordered set of alternatives.
type List []any

func (l List) String() string {
	return formatValue(l)
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case Fraction:
		return NewFraction(x.Num, x.Den), nil
	case IntRange:
		if x.Min > x.Max {
			return nil, fmt.Errorf("invalid range %v", x)
		}
		return x, nil
	case DoubleRange:
		if x.Min > x.Max {
			return nil, fmt.Errorf("invalid range %v", x)
		}
		return x, nil
	case FractionRange:
		r := FractionRange{Min: NewFraction(x.Min.Num, x.Min.Den), Max: NewFraction(x.Max.Num, x.Max.Den)}
		if r.Min.Compare(r.Max) > 0 {
			return nil, fmt.Errorf("invalid range %v", x)
		}
		return r, nil
	case List:
		out := make(List, 0, len(x))
		for _, e := range x {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case []int:
		out := make(List, 0, len(x))
		for _, e := range x {
			out = append(out, e)
		}
		return out, nil
	case []string:
		out := make(List, 0, len(x))
		for _, e := range x {
			out = append(out, e)
		}
		return out, nil
	case []any:
		return normalizeValue(List(x))
	default:
		return nil, fmt.Errorf("unsupported field type %T", v)
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case bool:
		return 0
	case int:
		return 1
	case float64:
		return 2
	case Fraction:
		return 3
	case string:
		return 4
	case IntRange:
		return 5
	case DoubleRange:
		return 6
	case FractionRange:
		return 7
	case List:
		return 8
	default:
		return 9
	}
}

// compareValues gives a total order over values, used to canonicalize lists.
func compareValues(a, b any) int {
	if ra, rb := typeRank(a), typeRank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int:
		return cmp.Compare(x, b.(int))
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case Fraction:
		return x.Compare(b.(Fraction))
	case IntRange:
		y := b.(IntRange)
		if c := cmp.Compare(x.Min, y.Min); c != 0 {
			return c
		}
		return cmp.Compare(x.Max, y.Max)
	case DoubleRange:
		y := b.(DoubleRange)
		if c := cmp.Compare(x.Min, y.Min); c != 0 {
			return c
		}
		return cmp.Compare(x.Max, y.Max)
	case FractionRange:
		y := b.(FractionRange)
		if c := x.Min.Compare(y.Min); c != 0 {
			return c
		}
		return x.Max.Compare(y.Max)
	case List:
		y := b.(List)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	}
	return 0
}

func equalValues(a, b any) bool {
	return compareValues(canonicalValue(a), canonicalValue(b)) == 0
}

// canonicalValue flattens and sorts lists, drops duplicates and collapses
// single entry lists and degenerate ranges into scalars.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case IntRange:
		if x.Min == x.Max {
			return x.Min
		}
	case DoubleRange:
		if x.Min == x.Max {
			return x.Min
		}
	case FractionRange:
		if x.Min.Compare(x.Max) == 0 {
			return x.Min
		}
	case List:
		flat := make(List, 0, len(x))
		for _, e := range x {
			e = canonicalValue(e)
			if l, ok := e.(List); ok {
				flat = append(flat, l...)
			} else {
				flat = append(flat, e)
			}
		}
		slices.SortFunc(flat, compareValues)
		flat = slices.CompactFunc(flat, func(a, b any) bool { return compareValues(a, b) == 0 })
		if len(flat) == 1 {
			return flat[0]
		}
		return flat
	}
	return v
}

func intersectValues(a, b any) (any, bool) {
	if la, ok := a.(List); ok {
		out := make(List, 0, len(la))
		for _, e := range la {
			if r, ok := intersectValues(e, b); ok {
				out = append(out, r)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return canonicalValue(out), true
	}
	if _, ok := b.(List); ok {
		return intersectValues(b, a)
	}

	switch x := a.(type) {
	case int:
		switch y := b.(type) {
		case int:
			return x, x == y
		case IntRange:
			return x, x >= y.Min && x <= y.Max
		}
	case IntRange:
		switch y := b.(type) {
		case int:
			return y, y >= x.Min && y <= x.Max
		case IntRange:
			lo, hi := max(x.Min, y.Min), min(x.Max, y.Max)
			if lo > hi {
				return nil, false
			}
			return canonicalValue(IntRange{Min: lo, Max: hi}), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return x, x == y
		case DoubleRange:
			return x, x >= y.Min && x <= y.Max
		}
	case DoubleRange:
		switch y := b.(type) {
		case float64:
			return y, y >= x.Min && y <= x.Max
		case DoubleRange:
			lo, hi := max(x.Min, y.Min), min(x.Max, y.Max)
			if lo > hi {
				return nil, false
			}
			return canonicalValue(DoubleRange{Min: lo, Max: hi}), true
		}
	case Fraction:
		switch y := b.(type) {
		case Fraction:
			return x, x.Compare(y) == 0
		case FractionRange:
			return x, x.Compare(y.Min) >= 0 && x.Compare(y.Max) <= 0
		}
	case FractionRange:
		switch y := b.(type) {
		case Fraction:
			return y, y.Compare(x.Min) >= 0 && y.Compare(x.Max) <= 0
		case FractionRange:
			lo, hi := x.Min, x.Max
			if y.Min.Compare(lo) > 0 {
				lo = y.Min
			}
			if y.Max.Compare(hi) < 0 {
				hi = y.Max
			}
			if lo.Compare(hi) > 0 {
				return nil, false
			}
			return canonicalValue(FractionRange{Min: lo, Max: hi}), true
		}
	case string:
		if y, ok := b.(string); ok {
			return x, x == y
		}
	case bool:
		if y, ok := b.(bool); ok {
			return x, x == y
		}
	}
	return nil, false
}

// subsetValue reports whether every value allowed by a is allowed by b.
func subsetValue(a, b any) bool {
	r, ok := intersectValues(a, b)
	return ok && equalValues(r, a)
}

func isFixedValue(v any) bool {
	switch v.(type) {
	case List, IntRange, DoubleRange, FractionRange:
		return false
	default:
		return true
	}
}

func fixateValue(v any) any {
	switch x := v.(type) {
	case IntRange:
		return x.Min
	case DoubleRange:
		return x.Min
	case FractionRange:
		return x.Min
	case List:
		if len(x) == 0 {
			return nil
		}
		return fixateValue(x[0])
	default:
		return v
	}
}

func typeName(v any) string {
	switch x := v.(type) {
	case int, IntRange:
		return "int"
	case float64, DoubleRange:
		return "double"
	case Fraction, FractionRange:
		return "fraction"
	case string:
		return "string"
	case bool:
		return "boolean"
	case List:
		if len(x) > 0 {
			return typeName(x[0])
		}
	}
	return ""
}

func formatDouble(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func formatString(s string) string {
	if s == "" || strings.ContainsAny(s, " \t,;=[]{}<>()\"\\") {
		return strconv.Quote(s)
	}
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case float64:
		return formatDouble(x)
	case string:
		return formatString(x)
	case bool:
		return strconv.FormatBool(x)
	case Fraction, IntRange, DoubleRange, FractionRange:
		return x.(fmt.Stringer).String()
	case List:
		homogeneous := true
		for _, e := range x {
			if typeName(e) != typeName(x) {
				homogeneous = false
			}
		}
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if homogeneous {
				parts = append(parts, formatValue(e))
			} else {
				parts = append(parts, fmt.Sprintf("(%s)%s", typeName(e), formatValue(e)))
			}
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	default:
		return fmt.Sprint(v)
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
