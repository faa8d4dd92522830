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
	"time"

	"github.com/livekit/gstcore/pkg/clock"
)

// Adapter accumulates pushed buffers so parsers can take arbitrary sized
// chunks. It is not safe for concurrent use.
type Adapter struct {
	data   []byte
	pts    time.Duration
	offset uint64
}

func NewAdapter() *Adapter {
	return &Adapter{pts: clock.None, offset: OffsetNone}
}

func (a *Adapter) Push(b *Buffer) {
	if len(a.data) == 0 {
		a.pts = b.PTS
		a.offset = b.Offset
	}
	a.data = append(a.data, b.Bytes()...)
	b.Unref()
}

func (a *Adapter) Available() int {
	return len(a.data)
}

// Peek returns the first n bytes without consuming them.
func (a *Adapter) Peek(n int) []byte {
	if n > len(a.data) {
		return nil
	}
	return a.data[:n]
}

// Take removes n bytes and returns them as a new buffer.
func (a *Adapter) Take(n int) *Buffer {
	if n > len(a.data) {
		return nil
	}
	data := make([]byte, n)
	copy(data, a.data[:n])
	b := New(data)
	b.PTS = a.pts
	b.Offset = a.offset
	a.Flush(n)
	return b
}

func (a *Adapter) Flush(n int) {
	if n >= len(a.data) {
		a.Clear()
		return
	}
	a.data = a.data[n:]
	a.pts = clock.None
	if a.offset != OffsetNone {
		a.offset += uint64(n)
	}
}

func (a *Adapter) Clear() {
	a.data = nil
	a.pts = clock.None
	a.offset = OffsetNone
}
