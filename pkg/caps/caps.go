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

// Package caps describes the media formats a pad can produce or accept.
//
// Caps are an ordered list of structures. A Caps value is never modified
// after construction: every operation returns a new Caps.
package caps

import (
	"slices"
	"strings"
)

type Caps struct {
	any        bool
	structures []*Structure
}

func NewAny() *Caps {
	return &Caps{any: true}
}

func NewEmpty() *Caps {
	return &Caps{}
}

// New builds caps from copies of the given structures.
func New(structures ...*Structure) *Caps {
	c := &Caps{structures: make([]*Structure, 0, len(structures))}
	for _, s := range structures {
		c.structures = append(c.structures, s.Copy())
	}
	return c
}

// NewSimple builds single structure caps from name/value pairs.
func NewSimple(name string, kv ...any) *Caps {
	s := NewStructure(name)
	for i := 0; i+1 < len(kv); i += 2 {
		s.Set(kv[i].(string), kv[i+1])
	}
	return &Caps{structures: []*Structure{s}}
}

func (c *Caps) IsAny() bool {
	return c.any
}

func (c *Caps) IsEmpty() bool {
	return !c.any && len(c.structures) == 0
}

func (c *Caps) IsFixed() bool {
	return !c.any && len(c.structures) == 1 && c.structures[0].IsFixed()
}

func (c *Caps) Size() int {
	return len(c.structures)
}

// Structure returns the i-th structure. Callers must not modify it.
func (c *Caps) Structure(i int) *Structure {
	if i < 0 || i >= len(c.structures) {
		return nil
	}
	return c.structures[i]
}

func (c *Caps) Copy() *Caps {
	if c.any {
		return NewAny()
	}
	return New(c.structures...)
}

// Append returns c followed by the structures of o.
func (c *Caps) Append(o *Caps) *Caps {
	if c.any || o.any {
		return NewAny()
	}
	return New(append(slices.Clone(c.structures), o.structures...)...)
}

// Merge is Append without structures already expressed by c.
func (c *Caps) Merge(o *Caps) *Caps {
	if c.any || o.any {
		return NewAny()
	}
	out := New(c.structures...)
	for _, s := range o.structures {
		if !out.containsSuperset(s) {
			out.structures = append(out.structures, s.Copy())
		}
	}
	return out
}

func (c *Caps) containsSuperset(s *Structure) bool {
	for _, existing := range c.structures {
		if s.IsSubset(existing) {
			return true
		}
	}
	return false
}

// Intersect returns caps allowing only formats allowed by both c and o.
// The result is canonical, so Intersect is commutative and associative.
func (c *Caps) Intersect(o *Caps) *Caps {
	switch {
	case c.any && o.any:
		return NewAny()
	case c.any:
		return o.canonical()
	case o.any:
		return c.canonical()
	}

	out := &Caps{}
	for _, a := range c.structures {
		for _, b := range o.structures {
			if s, ok := a.Intersect(b); ok {
				out.structures = append(out.structures, s.canonical())
			}
		}
	}
	return out.sortUnique()
}

// IntersectFirst intersects keeping the preference order of c, which is how
// negotiation picks between alternatives.
func (c *Caps) IntersectFirst(o *Caps) *Caps {
	switch {
	case c.any && o.any:
		return NewAny()
	case c.any:
		return o.Copy()
	case o.any:
		return c.Copy()
	}

	out := &Caps{}
	for _, a := range c.structures {
		for _, b := range o.structures {
			s, ok := a.Intersect(b)
			if !ok {
				continue
			}
			s = s.canonical()
			if !slices.ContainsFunc(out.structures, s.IsEqual) {
				out.structures = append(out.structures, s)
			}
		}
	}
	return out
}

func (c *Caps) CanIntersect(o *Caps) bool {
	if c.any || o.any {
		return !c.IsEmpty() && !o.IsEmpty()
	}
	for _, a := range c.structures {
		for _, b := range o.structures {
			if a.CanIntersect(b) {
				return true
			}
		}
	}
	return false
}

// IsSubset reports whether every format in c is also in o.
func (c *Caps) IsSubset(o *Caps) bool {
	switch {
	case o.any:
		return true
	case c.any:
		return false
	}
	for _, s := range c.structures {
		if !o.containsSuperset(s) {
			return false
		}
	}
	return true
}

func (c *Caps) IsEqual(o *Caps) bool {
	if c.any || o.any {
		return c.any == o.any
	}
	return c.IsSubset(o) && o.IsSubset(c)
}

// Fixate keeps the first structure and reduces every range and list to a
// single value, so the same input always yields the same output.
func (c *Caps) Fixate() *Caps {
	if c.any || len(c.structures) == 0 {
		return c.Copy()
	}
	return &Caps{structures: []*Structure{c.structures[0].Fixate()}}
}

func (c *Caps) canonical() *Caps {
	if c.any {
		return NewAny()
	}
	out := &Caps{structures: make([]*Structure, 0, len(c.structures))}
	for _, s := range c.structures {
		out.structures = append(out.structures, s.canonical())
	}
	return out.sortUnique()
}

func (c *Caps) sortUnique() *Caps {
	slices.SortFunc(c.structures, func(a, b *Structure) int {
		return strings.Compare(a.String(), b.String())
	})
	c.structures = slices.CompactFunc(c.structures, func(a, b *Structure) bool {
		return a.String() == b.String()
	})
	return c
}

func (c *Caps) String() string {
	if c == nil {
		return "NULL"
	}
	if c.any {
		return "ANY"
	}
	if len(c.structures) == 0 {
		return "EMPTY"
	}
	parts := make([]string, 0, len(c.structures))
	for _, s := range c.structures {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}
