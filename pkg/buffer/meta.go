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

package buffer

import (
	"slices"
	"time"

	"github.com/livekit/gstcore/pkg/caps"
)

// Region describes the part of the source buffer a copy covers.
type Region struct {
	Offset int
	Size   int
	Whole  bool
}

// Meta is extra information attached to a buffer. Transform is called for
// every copy and adds the meta to dst when it is still valid for region.
type Meta interface {
	API() string
	Transform(dst *Buffer, region Region) bool
}

func (b *Buffer) AddMeta(m Meta) {
	b.metas = append(b.metas, m)
}

func (b *Buffer) GetMeta(api string) Meta {
	for _, m := range b.metas {
		if m.API() == api {
			return m
		}
	}
	return nil
}

func (b *Buffer) Metas() []Meta {
	return slices.Clone(b.metas)
}

func (b *Buffer) RemoveMeta(api string) bool {
	n := len(b.metas)
	b.metas = slices.DeleteFunc(b.metas, func(m Meta) bool { return m.API() == api })
	return len(b.metas) != n
}

const ReferenceTimestampMetaAPI = "GstReferenceTimestampMeta"

// ReferenceTimestampMeta relates the buffer to an external clock. It
// describes the buffer as a whole and survives every copy.
type ReferenceTimestampMeta struct {
	Reference *caps.Caps
	Timestamp time.Duration
	Duration  time.Duration
}

func (m *ReferenceTimestampMeta) API() string {
	return ReferenceTimestampMetaAPI
}

func (m *ReferenceTimestampMeta) Transform(dst *Buffer, _ Region) bool {
	c := *m
	dst.AddMeta(&c)
	return true
}

// CustomMeta carries arbitrary fields. Metas tagged as describing the
// memory contents are dropped from partial copies.
type CustomMeta struct {
	Name         string
	Fields       *caps.Structure
	MemoryTagged bool
}

func NewCustomMeta(name string, memoryTagged bool) *CustomMeta {
	return &CustomMeta{
		Name:         name,
		Fields:       caps.NewStructure(name),
		MemoryTagged: memoryTagged,
	}
}

func (m *CustomMeta) API() string {
	return m.Name
}

func (m *CustomMeta) Transform(dst *Buffer, region Region) bool {
	if m.MemoryTagged && !region.Whole {
		return false
	}
	dst.AddMeta(&CustomMeta{
		Name:         m.Name,
		Fields:       m.Fields.Copy(),
		MemoryTagged: m.MemoryTagged,
	})
	return true
}
