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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
)

func newTestBuffer() *Buffer {
	b := New([]byte("0123456789"))
	b.PTS = time.Second
	b.DTS = time.Second - time.Millisecond
	b.Duration = 40 * time.Millisecond
	b.Offset = 100
	b.OffsetEnd = 110
	b.SetFlags(FlagDiscont | FlagDeltaUnit)
	return b
}

func TestMakeWritable(t *testing.T) {
	b := newTestBuffer()
	require.True(t, b.IsWritable())
	require.Same(t, b, b.MakeWritable())

	shared := b.Ref()
	require.False(t, b.IsWritable())
	require.Panics(t, func() { b.WritableBytes() })

	w := shared.MakeWritable()
	require.NotSame(t, b, w)
	require.True(t, w.IsWritable())
	require.True(t, b.IsWritable())

	w.WritableBytes()[0] = 'x'
	require.Equal(t, "x123456789", string(w.Bytes()))
	require.Equal(t, "0123456789", string(b.Bytes()))
}

func TestCopyMetadata(t *testing.T) {
	b := newTestBuffer()
	b.SetCaps(caps.NewSimple("application/x-tlv"))
	b.AddMeta(&ReferenceTimestampMeta{Timestamp: 5 * time.Second, Duration: time.Second})
	cm := NewCustomMeta("test-meta", true)
	cm.Fields.Set("id", 7)
	b.AddMeta(cm)

	t.Run("full copy", func(t *testing.T) {
		c := b.Copy()
		require.Equal(t, b.PTS, c.PTS)
		require.Equal(t, b.DTS, c.DTS)
		require.Equal(t, b.Duration, c.Duration)
		require.Equal(t, b.Offset, c.Offset)
		require.Equal(t, b.OffsetEnd, c.OffsetEnd)
		require.Equal(t, b.Flags, c.Flags)
		require.Same(t, b.Caps(), c.Caps())
		require.Equal(t, string(b.Bytes()), string(c.Bytes()))
		require.Len(t, c.Metas(), 2)

		m := c.GetMeta("test-meta").(*CustomMeta)
		require.NotSame(t, cm, m)
		id, _ := m.Fields.GetInt("id")
		require.Equal(t, 7, id)
	})

	t.Run("head region", func(t *testing.T) {
		c := b.CopyRegion(CopyAll, 0, 4)
		require.Equal(t, "0123", string(c.Bytes()))
		require.Equal(t, b.PTS, c.PTS)
		require.Equal(t, b.DTS, c.DTS)
		require.Equal(t, b.Offset, c.Offset)
		require.Equal(t, clock.None, c.Duration)
		require.Equal(t, OffsetNone, c.OffsetEnd)
		require.True(t, c.HasFlags(FlagDiscont))
		require.NotNil(t, c.GetMeta(ReferenceTimestampMetaAPI))
		require.Nil(t, c.GetMeta("test-meta"))
	})

	t.Run("inner region", func(t *testing.T) {
		c := b.CopyRegion(CopyAll, 2, -1)
		require.Equal(t, "23456789", string(c.Bytes()))
		require.Equal(t, clock.None, c.PTS)
		require.Equal(t, clock.None, c.DTS)
		require.Equal(t, clock.None, c.Duration)
		require.Equal(t, OffsetNone, c.Offset)
		require.False(t, c.HasFlags(FlagDiscont))
		require.True(t, c.HasFlags(FlagDeltaUnit))
		require.NotNil(t, c.GetMeta(ReferenceTimestampMetaAPI))
	})

	t.Run("no meta", func(t *testing.T) {
		c := b.CopyRegion(CopyFlagsField|CopyTimestamps|CopyMemory, 0, -1)
		require.Empty(t, c.Metas())
		require.Equal(t, b.Duration, c.Duration)
	})
}

func TestSharedMemory(t *testing.T) {
	b := newTestBuffer()
	c := b.Copy()
	// c shares memory with b, writing to it must not leak into b
	c.WritableBytes()[9] = 'y'
	require.Equal(t, "012345678y", string(c.Bytes()))
	require.Equal(t, "0123456789", string(b.Bytes()))

	d := b.DeepCopy()
	d.WritableBytes()[0] = 'z'
	require.Equal(t, "0123456789", string(b.Bytes()))
}

func TestAdapter(t *testing.T) {
	a := NewAdapter()
	first := New([]byte{1, 2, 3})
	first.PTS = time.Second
	first.Offset = 0
	a.Push(first)
	a.Push(New([]byte{4, 5}))
	require.Equal(t, 5, a.Available())
	require.Equal(t, []byte{1, 2}, a.Peek(2))
	require.Nil(t, a.Peek(6))

	out := a.Take(2)
	require.Equal(t, []byte{1, 2}, out.Bytes())
	require.Equal(t, time.Second, out.PTS)

	out = a.Take(3)
	require.Equal(t, []byte{3, 4, 5}, out.Bytes())
	require.Equal(t, clock.None, out.PTS)
	require.Equal(t, uint64(2), out.Offset)
	require.Equal(t, 0, a.Available())
	require.Nil(t, a.Take(1))
}
