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

// Package buffer holds the refcounted, copy-on-write media payloads that
// travel between pads.
package buffer

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
)

const OffsetNone = ^uint64(0)

type Flags uint32

const (
	FlagLive Flags = 1 << iota
	FlagDecodeOnly
	FlagDiscont
	FlagResync
	FlagCorrupted
	FlagMarker
	FlagHeader
	FlagGap
	FlagDroppable
	FlagDeltaUnit
)

type CopyFlags uint32

const (
	CopyFlagsField CopyFlags = 1 << iota
	CopyTimestamps
	CopyMeta
	CopyMemory
	CopyDeep

	CopyMetadata = CopyFlagsField | CopyTimestamps | CopyMeta
	CopyAll      = CopyMetadata | CopyMemory
)

type memory struct {
	refs atomic.Int32
	data []byte
}

func newMemory(data []byte) *memory {
	m := &memory{data: data}
	m.refs.Store(1)
	return m
}

// Buffer is a refcounted chunk of media. A buffer with more than one
// reference is read-only; call MakeWritable before changing it.
type Buffer struct {
	refs atomic.Int32
	mem  *memory

	PTS       time.Duration
	DTS       time.Duration
	Duration  time.Duration
	Offset    uint64
	OffsetEnd uint64
	Flags     Flags

	caps  *caps.Caps
	metas []Meta
}

func New(data []byte) *Buffer {
	b := &Buffer{
		mem:       newMemory(data),
		PTS:       clock.None,
		DTS:       clock.None,
		Duration:  clock.None,
		Offset:    OffsetNone,
		OffsetEnd: OffsetNone,
	}
	b.refs.Store(1)
	return b
}

func NewSize(size int) *Buffer {
	return New(make([]byte, size))
}

func (b *Buffer) Ref() *Buffer {
	b.refs.Inc()
	return b
}

func (b *Buffer) Unref() {
	if b.refs.Dec() == 0 {
		if b.mem != nil {
			b.mem.refs.Dec()
			b.mem = nil
		}
		b.metas = nil
	}
}

func (b *Buffer) RefCount() int32 {
	return b.refs.Load()
}

func (b *Buffer) IsWritable() bool {
	return b.refs.Load() == 1
}

// MakeWritable returns b when the caller holds the only reference, or a
// copy owning its own metadata otherwise. The caller's reference to b is
// consumed either way.
func (b *Buffer) MakeWritable() *Buffer {
	if b.IsWritable() {
		return b
	}
	c := b.Copy()
	b.Unref()
	return c
}

func (b *Buffer) Size() int {
	if b.mem == nil {
		return 0
	}
	return len(b.mem.data)
}

// Bytes exposes the payload for reading. The slice must not be modified.
func (b *Buffer) Bytes() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem.data
}

// WritableBytes returns the payload for in-place modification, copying
// shared memory first. It panics on a read-only buffer.
func (b *Buffer) WritableBytes() []byte {
	if !b.IsWritable() {
		panic("buffer is not writable")
	}
	if b.mem == nil {
		return nil
	}
	if b.mem.refs.Load() > 1 {
		data := make([]byte, len(b.mem.data))
		copy(data, b.mem.data)
		b.mem.refs.Dec()
		b.mem = newMemory(data)
	}
	return b.mem.data
}

func (b *Buffer) Caps() *caps.Caps {
	return b.caps
}

func (b *Buffer) SetCaps(c *caps.Caps) {
	b.caps = c
}

func (b *Buffer) HasFlags(f Flags) bool {
	return b.Flags&f == f
}

func (b *Buffer) SetFlags(f Flags) {
	b.Flags |= f
}

func (b *Buffer) UnsetFlags(f Flags) {
	b.Flags &^= f
}

// Copy makes a new buffer sharing memory with b and carrying all metadata.
func (b *Buffer) Copy() *Buffer {
	return b.CopyRegion(CopyAll, 0, -1)
}

// DeepCopy also duplicates the memory.
func (b *Buffer) DeepCopy() *Buffer {
	return b.CopyRegion(CopyAll|CopyDeep, 0, -1)
}

// CopyRegion copies size bytes starting at offset, or everything after
// offset when size is -1. Timestamps only survive when the region starts at
// the beginning of b, and duration and end offset only when it covers all
// of b. Metas decide for themselves through their Transform.
func (b *Buffer) CopyRegion(flags CopyFlags, offset, size int) *Buffer {
	bufSize := b.Size()
	if size < 0 {
		size = bufSize - offset
	}
	if offset < 0 || size < 0 || offset+size > bufSize {
		panic(fmt.Sprintf("invalid region %d+%d of %d bytes", offset, size, bufSize))
	}
	whole := offset == 0 && size == bufSize

	dst := &Buffer{
		PTS:       clock.None,
		DTS:       clock.None,
		Duration:  clock.None,
		Offset:    OffsetNone,
		OffsetEnd: OffsetNone,
		caps:      b.caps,
	}
	dst.refs.Store(1)

	if flags&CopyFlagsField != 0 {
		dst.Flags = b.Flags
		if offset != 0 {
			dst.Flags &^= FlagDiscont | FlagHeader
		}
	}

	if flags&CopyTimestamps != 0 && offset == 0 {
		dst.PTS = b.PTS
		dst.DTS = b.DTS
		dst.Offset = b.Offset
		if size == bufSize {
			dst.Duration = b.Duration
			dst.OffsetEnd = b.OffsetEnd
		}
	}

	if flags&CopyMemory != 0 && b.mem != nil {
		switch {
		case flags&CopyDeep != 0 || !whole:
			data := make([]byte, size)
			copy(data, b.mem.data[offset:offset+size])
			dst.mem = newMemory(data)
		default:
			b.mem.refs.Inc()
			dst.mem = b.mem
		}
	} else {
		dst.mem = newMemory(nil)
	}

	if flags&CopyMeta != 0 {
		region := Region{Offset: offset, Size: size, Whole: whole}
		for _, m := range b.metas {
			m.Transform(dst, region)
		}
	}
	return dst
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer: %d bytes, pts %s, dts %s, dur %s, offset %d, flags %#x",
		b.Size(), clock.Format(b.PTS), clock.Format(b.DTS), clock.Format(b.Duration), b.Offset, uint32(b.Flags))
}
