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

package gstreamer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stoewer/go-strcase"
	"golang.org/x/exp/maps"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
)

type ParamType int

const (
	ParamBool ParamType = iota
	ParamInt
	ParamInt64
	ParamUint64
	ParamDouble
	ParamString
	ParamEnum
	ParamCaps
	ParamDuration
)

func (t ParamType) String() string {
	switch t {
	case ParamBool:
		return "bool"
	case ParamInt:
		return "int"
	case ParamInt64:
		return "int64"
	case ParamUint64:
		return "uint64"
	case ParamDouble:
		return "double"
	case ParamString:
		return "string"
	case ParamEnum:
		return "enum"
	case ParamCaps:
		return "caps"
	case ParamDuration:
		return "duration"
	default:
		return "unknown"
	}
}

type ParamFlags int

const (
	ParamReadable ParamFlags = 1 << iota
	ParamWritable

	ParamReadWrite = ParamReadable | ParamWritable
)

type EnumValue struct {
	Value int
	Name  string
	Nick  string
}

// ParamSpec describes one property. Min and Max bound numeric types;
// MutableState is the highest state in which the property may change,
// with StateVoidPending meaning any state.
type ParamSpec struct {
	Name         string
	Nick         string
	Blurb        string
	Type         ParamType
	Default      any
	Min          float64
	Max          float64
	Enum         []EnumValue
	Flags        ParamFlags
	MutableState State
}

func (p *ParamSpec) hasRange() bool {
	return p.Min != 0 || p.Max != 0
}

// Properties holds the property values of one element.
type Properties struct {
	owner string
	state func() State

	mu     sync.RWMutex
	specs  map[string]*ParamSpec
	order  []string
	values map[string]any
	notify map[string][]func(any)
}

func NewProperties(owner string, state func() State) *Properties {
	return &Properties{
		owner:  owner,
		state:  state,
		specs:  make(map[string]*ParamSpec),
		values: make(map[string]any),
		notify: make(map[string][]func(any)),
	}
}

// CanonicalName turns a_name or aName into a-name.
func CanonicalName(name string) string {
	if strings.ContainsAny(name, "_ ") || strings.ToLower(name) != name {
		return strcase.KebabCase(name)
	}
	return name
}

// Install registers specs and sets their defaults.
func (p *Properties) Install(specs ...*ParamSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, spec := range specs {
		if spec.Flags == 0 {
			spec.Flags = ParamReadWrite
		}
		name := CanonicalName(spec.Name)
		spec.Name = name
		if _, ok := p.specs[name]; !ok {
			p.order = append(p.order, name)
		}
		p.specs[name] = spec
		if spec.Default != nil {
			if v, err := convertValue(spec, spec.Default); err == nil {
				p.values[name] = v
			}
		}
	}
}

// Specs returns the installed specs in installation order.
func (p *Properties) Specs() []*ParamSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()

	specs := make([]*ParamSpec, 0, len(p.order))
	for _, name := range p.order {
		specs = append(specs, p.specs[name])
	}
	return specs
}

func (p *Properties) Spec(name string) *ParamSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.specs[CanonicalName(name)]
}

// OnNotify calls f with the new value whenever the property changes.
func (p *Properties) OnNotify(name string, f func(any)) {
	p.mu.Lock()
	name = CanonicalName(name)
	p.notify[name] = append(p.notify[name], f)
	p.mu.Unlock()
}

func (p *Properties) Set(name string, value any) error {
	name = CanonicalName(name)

	p.mu.RLock()
	spec, ok := p.specs[name]
	p.mu.RUnlock()
	if !ok {
		return errors.ErrNoSuchProperty(p.owner, name)
	}
	if spec.Flags&ParamWritable == 0 {
		return errors.ErrPropertyReadOnly
	}
	if spec.MutableState != StateVoidPending && p.state != nil {
		if state := p.state(); state > spec.MutableState {
			return errors.ErrPropertyNotMutable(name, state.String())
		}
	}

	v, err := convertValue(spec, value)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.values[name] = v
	handlers := p.notify[name]
	p.mu.Unlock()

	for _, f := range handlers {
		f(v)
	}
	return nil
}

func (p *Properties) SetFromString(name, value string) error {
	spec := p.Spec(name)
	if spec == nil {
		return errors.ErrNoSuchProperty(p.owner, CanonicalName(name))
	}
	v, err := parseValue(spec, value)
	if err != nil {
		return err
	}
	return p.Set(name, v)
}

func (p *Properties) Get(name string) (any, error) {
	name = CanonicalName(name)

	p.mu.RLock()
	defer p.mu.RUnlock()
	spec, ok := p.specs[name]
	if !ok {
		return nil, errors.ErrNoSuchProperty(p.owner, name)
	}
	if spec.Flags&ParamReadable == 0 {
		return nil, errors.ErrInvalidPropertyValue(name, "", "property is not readable")
	}
	return p.values[name], nil
}

// Internal setters bypass writability and state checks, for read-only
// properties the element updates itself.
func (p *Properties) SetInternal(name string, value any) {
	p.mu.Lock()
	p.values[CanonicalName(name)] = value
	p.mu.Unlock()
}

func (p *Properties) GetBool(name string) bool {
	v, _ := p.Get(name)
	b, _ := v.(bool)
	return b
}

func (p *Properties) GetInt(name string) int {
	v, _ := p.Get(name)
	i, _ := v.(int)
	return i
}

func (p *Properties) GetInt64(name string) int64 {
	v, _ := p.Get(name)
	i, _ := v.(int64)
	return i
}

func (p *Properties) GetUint64(name string) uint64 {
	v, _ := p.Get(name)
	i, _ := v.(uint64)
	return i
}

func (p *Properties) GetDouble(name string) float64 {
	v, _ := p.Get(name)
	f, _ := v.(float64)
	return f
}

func (p *Properties) GetString(name string) string {
	v, _ := p.Get(name)
	s, _ := v.(string)
	return s
}

// GetEnum returns the numeric value of an enum property.
func (p *Properties) GetEnum(name string) int {
	return p.GetInt(name)
}

func (p *Properties) GetCaps(name string) *caps.Caps {
	v, _ := p.Get(name)
	c, _ := v.(*caps.Caps)
	return c
}

func (p *Properties) GetDuration(name string) time.Duration {
	v, _ := p.Get(name)
	d, _ := v.(time.Duration)
	return d
}

// Snapshot returns the current values keyed by property name.
func (p *Properties) Snapshot() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return maps.Clone(p.values)
}

// Names returns the property names in alphabetical order.
func (p *Properties) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := maps.Keys(p.specs)
	sort.Strings(names)
	return names
}

func convertValue(spec *ParamSpec, value any) (any, error) {
	invalid := func(reason string) error {
		return errors.ErrInvalidPropertyValue(spec.Name, fmt.Sprint(value), reason)
	}

	switch spec.Type {
	case ParamBool:
		b, ok := value.(bool)
		if !ok {
			return nil, invalid("expected bool")
		}
		return b, nil

	case ParamString:
		s, ok := value.(string)
		if !ok {
			return nil, invalid("expected string")
		}
		return s, nil

	case ParamDouble:
		f, ok := toFloat(value)
		if !ok {
			return nil, invalid("expected number")
		}
		if spec.hasRange() && (f < spec.Min || f > spec.Max) {
			return nil, invalid(fmt.Sprintf("out of range [%v, %v]", spec.Min, spec.Max))
		}
		return f, nil

	case ParamInt, ParamInt64, ParamUint64, ParamDuration:
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return nil, invalid("expected integer")
		}
		if spec.hasRange() && (f < spec.Min || f > spec.Max) {
			return nil, invalid(fmt.Sprintf("out of range [%v, %v]", spec.Min, spec.Max))
		}
		switch spec.Type {
		case ParamInt:
			return int(f), nil
		case ParamInt64:
			if i, ok := value.(int64); ok {
				return i, nil
			}
			return int64(f), nil
		case ParamUint64:
			if f < 0 {
				return nil, invalid("expected unsigned integer")
			}
			if u, ok := value.(uint64); ok {
				return u, nil
			}
			return uint64(f), nil
		default:
			if d, ok := value.(time.Duration); ok {
				return d, nil
			}
			return time.Duration(f), nil
		}

	case ParamEnum:
		switch v := value.(type) {
		case string:
			for _, ev := range spec.Enum {
				if ev.Name == v || ev.Nick == v {
					return ev.Value, nil
				}
			}
			if i, err := strconv.Atoi(v); err == nil {
				return convertValue(spec, i)
			}
			return nil, invalid("unknown enum value")
		default:
			f, ok := toFloat(value)
			if !ok {
				return nil, invalid("expected enum")
			}
			for _, ev := range spec.Enum {
				if float64(ev.Value) == f {
					return ev.Value, nil
				}
			}
			return nil, invalid("unknown enum value")
		}

	case ParamCaps:
		switch v := value.(type) {
		case *caps.Caps:
			return v, nil
		case string:
			c, err := caps.Parse(v)
			if err != nil {
				return nil, invalid(err.Error())
			}
			return c, nil
		default:
			return nil, invalid("expected caps")
		}
	}
	return nil, invalid("unsupported type")
}

func parseValue(spec *ParamSpec, s string) (any, error) {
	switch spec.Type {
	case ParamBool:
		switch strings.ToLower(s) {
		case "true", "yes", "1", "on":
			return true, nil
		case "false", "no", "0", "off":
			return false, nil
		}
		return nil, errors.ErrInvalidPropertyValue(spec.Name, s, "expected bool")
	case ParamString, ParamEnum, ParamCaps:
		return s, nil
	case ParamDuration:
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		fallthrough
	case ParamInt, ParamInt64:
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, errors.ErrInvalidPropertyValue(spec.Name, s, "expected integer")
		}
		if spec.Type == ParamInt64 {
			return i, nil
		}
		return int(i), nil
	case ParamUint64:
		u, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, errors.ErrInvalidPropertyValue(spec.Name, s, "expected unsigned integer")
		}
		return u, nil
	case ParamDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.ErrInvalidPropertyValue(spec.Name, s, "expected number")
		}
		return f, nil
	}
	return nil, errors.ErrInvalidPropertyValue(spec.Name, s, "unsupported type")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n), true
	default:
		return 0, false
	}
}
