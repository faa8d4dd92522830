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
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/errors"
	"github.com/livekit/protocol/logger"
)

type Rank int

const (
	RankNone      Rank = 0
	RankMarginal  Rank = 64
	RankSecondary Rank = 128
	RankPrimary   Rank = 256
)

// ElementFactory creates elements of one kind.
type ElementFactory struct {
	Name        string
	LongName    string
	Klass       string
	Description string
	Author      string
	Rank        Rank
	Templates   []*PadTemplate

	// New builds an element with the given name. The name is never empty.
	New func(name string) Element

	count atomic.Uint32
}

// Create makes an element, naming it after the factory when name is empty.
func (f *ElementFactory) Create(name string) Element {
	if name == "" {
		name = fmt.Sprintf("%s%d", f.Name, f.count.Inc()-1)
	}
	e := f.New(name)
	if e == nil {
		return nil
	}
	e.base().factory = f
	return e
}

// StaticTemplates returns the templates of the given direction.
func (f *ElementFactory) StaticTemplates(dir PadDirection) []*PadTemplate {
	var out []*PadTemplate
	for _, t := range f.Templates {
		if t.Direction == dir {
			out = append(out, t)
		}
	}
	return out
}

// Registry maps factory names to factories.
type Registry struct {
	factories *xsync.MapOf[string, *ElementFactory]
}

func NewRegistry() *Registry {
	return &Registry{
		factories: xsync.NewMapOf[string, *ElementFactory](),
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the registry used when none is given.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds f. A factory registered under a taken name replaces the
// old one only with a higher rank.
func (r *Registry) Register(f *ElementFactory) error {
	if f == nil || f.Name == "" || f.New == nil {
		return errors.New("invalid element factory")
	}

	existing, loaded := r.factories.LoadOrStore(f.Name, f)
	if loaded {
		if f.Rank <= existing.Rank {
			return fmt.Errorf("element factory %s already registered", f.Name)
		}
		r.factories.Store(f.Name, f)
	}
	logger.Debugw("registered element factory", "factory", f.Name, "rank", f.Rank)
	return nil
}

func (r *Registry) Lookup(name string) *ElementFactory {
	f, _ := r.factories.Load(name)
	return f
}

// Factories returns all factories, highest rank first, then by name.
func (r *Registry) Factories() []*ElementFactory {
	var out []*ElementFactory
	r.factories.Range(func(_ string, f *ElementFactory) bool {
		out = append(out, f)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// FactoriesByKlass returns the factories whose klass contains every part of
// klass, for example "Source/File".
func (r *Registry) FactoriesByKlass(klass string) []*ElementFactory {
	parts := strings.Split(klass, "/")
	var out []*ElementFactory
	for _, f := range r.Factories() {
		match := true
		for _, part := range parts {
			if !strings.Contains(f.Klass, part) {
				match = false
				break
			}
		}
		if match {
			out = append(out, f)
		}
	}
	return out
}

// Make creates an element from the named factory.
func (r *Registry) Make(factory, name string) (Element, error) {
	f := r.Lookup(factory)
	if f == nil {
		return nil, errors.ErrNoSuchFactory(factory)
	}
	e := f.Create(name)
	if e == nil {
		return nil, errors.ErrNoSuchFactory(factory)
	}
	return e, nil
}

// MakeElement creates an element from the default registry.
func MakeElement(factory, name string) (Element, error) {
	return defaultRegistry.Make(factory, name)
}
