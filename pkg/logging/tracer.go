// Copyright 2025 LiveKit, Inc.
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

package logging

import (
	"time"

	"github.com/livekit/gstcore/pkg/buffer"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

type BufferStats struct {
	Timestamp string
	Element   string
	Pad       string
	PTS       time.Duration
	Duration  time.Duration
	Offset    uint64
	Size      int
}

// BufferTracer writes one row for every buffer pushed in the pipeline.
type BufferTracer struct {
	gst.BaseTracer
	csv *CSVLogger[BufferStats]
}

func NewBufferTracer(dir, pipeline string) (*BufferTracer, error) {
	csv, err := NewCSVLogger[BufferStats](dir, pipeline+"_buffers")
	if err != nil {
		return nil, err
	}
	return &BufferTracer{csv: csv}, nil
}

func (t *BufferTracer) PadPushPre(pad *gst.Pad, buf *buffer.Buffer) {
	stats := &BufferStats{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Pad:       pad.Name(),
		PTS:       buf.PTS,
		Duration:  buf.Duration,
		Offset:    buf.Offset,
		Size:      buf.Size(),
	}
	if e := pad.Parent(); e != nil {
		stats.Element = e.Name()
	}
	t.csv.Write(stats)
}

func (t *BufferTracer) Filename() string {
	return t.csv.Name()
}

func (t *BufferTracer) Close() error {
	return t.csv.Close()
}
