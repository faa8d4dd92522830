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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/gstcore/pkg/elements"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const testConfig = `
logging:
  level: debug
prometheus_port: 9090
eos_timeout: 2s
queue:
  max_size_buffers: 10
  max_size_bytes: 0
  max_size_time: 500ms
  leaky: downstream
sink:
  sync: false
  ts_offset: 20ms
clock:
  type: system
task_pool:
  max_tasks: 8
debug:
  enable_tracing: true
`

func TestDefaults(t *testing.T) {
	conf, err := NewConfig("")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(conf.NodeID, "GC_"))
	require.Equal(t, "info", conf.Logging.Level)
	require.Equal(t, defaultEOSTimeout, conf.EOSTimeout)
	require.EqualValues(t, defaultQueueMaxBuffers, conf.Queue.MaxSizeBuffers)
	require.Equal(t, defaultQueueMaxTime, conf.Queue.MaxSizeTime)
	require.Equal(t, "no", conf.Queue.Leaky)
	require.Nil(t, conf.Sink.Sync)
	require.Equal(t, ClockAuto, conf.Clock.Type)
	require.Equal(t, gst.DefaultTaskPool, conf.NewTaskPool())
}

func TestParse(t *testing.T) {
	conf, err := NewConfig(testConfig)
	require.NoError(t, err)

	require.Equal(t, "debug", conf.Logging.Level)
	require.Equal(t, 9090, conf.PrometheusPort)
	require.Equal(t, 2*time.Second, conf.EOSTimeout)
	require.EqualValues(t, 10, conf.Queue.MaxSizeBuffers)
	require.Zero(t, conf.Queue.MaxSizeBytes)
	require.Equal(t, 500*time.Millisecond, conf.Queue.MaxSizeTime)
	require.NotNil(t, conf.Sink.Sync)
	require.False(t, *conf.Sink.Sync)
	require.Equal(t, 20*time.Millisecond, conf.Sink.TsOffset)
	require.Equal(t, ClockSystem, conf.Clock.Type)
	require.True(t, conf.Debug.EnableTracing)

	pool, ok := conf.NewTaskPool().(*gst.LimitedTaskPool)
	require.True(t, ok)
	require.Zero(t, pool.Running())

	// a second config gets its own node ID
	other, err := NewConfig(testConfig)
	require.NoError(t, err)
	require.NotEqual(t, conf.NodeID, other.NodeID)
}

func TestInvalid(t *testing.T) {
	for _, body := range []string{
		"queue: [",
		"queue:\n  leaky: sideways",
		"clock:\n  type: atomic",
		"task_pool:\n  max_tasks: -1",
		"eos_timeout: soon",
	} {
		_, err := NewConfig(body)
		require.Error(t, err, body)
	}
}

func TestConfigureElement(t *testing.T) {
	conf, err := NewConfig(testConfig)
	require.NoError(t, err)

	queue := elements.NewQueue("queue")
	require.NoError(t, conf.ConfigureElement(queue))
	for name, want := range map[string]any{
		"max-size-buffers": uint64(10),
		"max-size-bytes":   uint64(0),
		"max-size-time":    500 * time.Millisecond,
		"leaky":            2,
	} {
		v, err := queue.GetProperty(name)
		require.NoError(t, err)
		require.Equal(t, want, v, name)
	}

	sink := elements.NewFakeSink("sink")
	require.NoError(t, conf.ConfigureElement(sink))
	v, _ := sink.GetProperty("sync")
	require.Equal(t, false, v)
	v, _ = sink.GetProperty("ts-offset")
	require.Equal(t, int64(20*time.Millisecond), v)
	v, _ = sink.GetProperty("max-lateness")
	require.Equal(t, int64(-1), v)

	// elements that are neither queues nor sinks are left alone
	src := elements.NewFakeSrc("src")
	require.NoError(t, conf.ConfigureElement(src))
}

func TestWriteDot(t *testing.T) {
	conf, err := NewConfig("")
	require.NoError(t, err)

	p := gst.NewPipeline("dot")
	path, err := conf.WriteDot(p, "test")
	require.NoError(t, err)
	require.Empty(t, path)

	conf.Debug.DotDir = filepath.Join(t.TempDir(), "graphs")
	path, err = conf.WriteDot(p, "test")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(conf.Debug.DotDir, "dot_test.dot"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "digraph")
}

func TestConfigurePipelineBufferLog(t *testing.T) {
	conf, err := NewConfig("debug:\n  enable_buffer_log: true\n")
	require.NoError(t, err)
	conf.Debug.DotDir = t.TempDir()

	p := gst.NewPipeline("logged")
	src := elements.NewFakeSrc("src")
	sink := elements.NewFakeSink("sink")
	require.NoError(t, src.SetProperty("num-buffers", 3))
	require.NoError(t, p.AddMany(src, sink))
	require.NoError(t, gst.LinkElements(src, sink))
	require.NoError(t, conf.ConfigurePipeline(p))

	require.NoError(t, p.Run())

	data, err := os.ReadFile(filepath.Join(conf.Debug.DotDir, "logged_buffers.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, "Timestamp,Element,Pad,PTS,Duration,Offset,Size", lines[0])
	require.Len(t, lines, 4)
	require.Contains(t, lines[1], ",src,src,")
}
