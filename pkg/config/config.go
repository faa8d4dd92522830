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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"gopkg.in/yaml.v3"

	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
	"github.com/livekit/gstcore/pkg/logging"
	"github.com/livekit/protocol/logger"
)

const (
	ClockAuto   = "auto"
	ClockSystem = "system"

	defaultQueueMaxBuffers = 200
	defaultQueueMaxBytes   = 10 * 1024 * 1024
	defaultQueueMaxTime    = time.Second
	defaultEOSTimeout      = 10 * time.Second
)

type Config struct {
	NodeID string `yaml:"-"` // do not supply - will be overwritten

	Logging          *logger.Config `yaml:"logging"`            // logging config
	PrometheusPort   int            `yaml:"prometheus_port"`    // serve /metrics when set
	DebugHandlerPort int            `yaml:"debug_handler_port"` // serve pprof and pipeline graphs when set
	EOSTimeout       time.Duration  `yaml:"eos_timeout"`        // how long to wait for EOS on shutdown

	Queue    QueueConfig    `yaml:"queue"`     // defaults for every queue element
	Sink     SinkConfig     `yaml:"sink"`      // defaults for every sink element
	Clock    ClockConfig    `yaml:"clock"`     // pipeline clock selection
	TaskPool TaskPoolConfig `yaml:"task_pool"` // streaming thread limits
	Debug    DebugConfig    `yaml:"debug"`
}

type QueueConfig struct {
	MaxSizeBuffers uint64        `yaml:"max_size_buffers"` // 0 to disable
	MaxSizeBytes   uint64        `yaml:"max_size_bytes"`   // 0 to disable
	MaxSizeTime    time.Duration `yaml:"max_size_time"`    // 0 to disable
	Leaky          string        `yaml:"leaky"`            // no, upstream or downstream
}

type SinkConfig struct {
	Sync        *bool         `yaml:"sync,omitempty"`         // sync on the clock, element default when unset
	TsOffset    time.Duration `yaml:"ts_offset,omitempty"`    // added to every render time
	MaxLateness time.Duration `yaml:"max_lateness,omitempty"` // drop buffers later than this, 0 to keep the element default
}

type ClockConfig struct {
	Type string `yaml:"type"` // auto lets the pipeline pick, system forces the system clock
}

type TaskPoolConfig struct {
	MaxTasks int `yaml:"max_tasks"` // 0 for one goroutine per task without limit
}

type DebugConfig struct {
	DotDir          string `yaml:"dot_dir"`           // write pipeline graphs here on state changes and errors
	EnableTracing   bool   `yaml:"enable_tracing"`    // log links, state changes and flow errors
	EnableProfiling bool   `yaml:"enable_profiling"`  // serve pprof profiles on the debug handler
	EnableBufferLog bool   `yaml:"enable_buffer_log"` // write every pushed buffer to a csv file in the dot directory
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		Logging: &logger.Config{
			Level: "info",
		},
		EOSTimeout: defaultEOSTimeout,
		Queue: QueueConfig{
			MaxSizeBuffers: defaultQueueMaxBuffers,
			MaxSizeBytes:   defaultQueueMaxBytes,
			MaxSizeTime:    defaultQueueMaxTime,
			Leaky:          "no",
		},
		Clock: ClockConfig{
			Type: ClockAuto,
		},
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	// always create a new node ID
	conf.NodeID = "GC_" + xid.New().String()

	if err := conf.validate(); err != nil {
		return nil, err
	}
	if err := conf.initLogger("nodeID", conf.NodeID); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.Queue.Leaky {
	case "":
		c.Queue.Leaky = "no"
	case "no", "upstream", "downstream":
	default:
		return errors.ErrInvalidConfig("queue.leaky", c.Queue.Leaky)
	}

	switch c.Clock.Type {
	case "":
		c.Clock.Type = ClockAuto
	case ClockAuto, ClockSystem:
	default:
		return errors.ErrInvalidConfig("clock.type", c.Clock.Type)
	}

	if c.TaskPool.MaxTasks < 0 {
		return errors.ErrInvalidConfig("task_pool.max_tasks", "must not be negative")
	}
	if c.EOSTimeout <= 0 {
		c.EOSTimeout = defaultEOSTimeout
	}
	return nil
}

func (c *Config) initLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(c.Logging)
	if err != nil {
		return err
	}

	l := zl.WithValues(values...)
	logger.SetLogger(l, "gstcore")
	return nil
}

// NewTaskPool returns the pool streaming threads should be started from.
func (c *Config) NewTaskPool() gst.TaskPool {
	if c.TaskPool.MaxTasks == 0 {
		return gst.DefaultTaskPool
	}
	return gst.NewLimitedTaskPool(c.TaskPool.MaxTasks)
}

// ConfigureElement applies the queue and sink defaults to e. It runs
// before any property given in a pipeline description, so those win.
func (c *Config) ConfigureElement(e gst.Element) error {
	props := e.Properties()

	if props.Spec("max-size-buffers") != nil && props.Spec("leaky") != nil {
		for name, value := range map[string]any{
			"max-size-buffers": c.Queue.MaxSizeBuffers,
			"max-size-bytes":   c.Queue.MaxSizeBytes,
			"max-size-time":    c.Queue.MaxSizeTime,
			"leaky":            c.Queue.Leaky,
		} {
			if err := e.SetProperty(name, value); err != nil {
				return err
			}
		}
	}

	if e.Flags()&gst.ElementFlagSink == 0 {
		return nil
	}
	if c.Sink.Sync != nil && props.Spec("sync") != nil {
		if err := e.SetProperty("sync", *c.Sink.Sync); err != nil {
			return err
		}
	}
	if c.Sink.TsOffset != 0 && props.Spec("ts-offset") != nil {
		if err := e.SetProperty("ts-offset", int64(c.Sink.TsOffset)); err != nil {
			return err
		}
	}
	if c.Sink.MaxLateness != 0 && props.Spec("max-lateness") != nil {
		if err := e.SetProperty("max-lateness", int64(c.Sink.MaxLateness)); err != nil {
			return err
		}
	}
	return nil
}

// ConfigurePipeline applies the clock and debug settings to p.
func (c *Config) ConfigurePipeline(p *gst.Pipeline) error {
	if c.Clock.Type == ClockSystem {
		p.UseClock(clock.NewSystemClock("GstSystemClock"))
	}
	if c.Debug.EnableTracing {
		p.AddTracer(gst.NewLogTracer())
	}
	if c.Debug.EnableBufferLog {
		t, err := logging.NewBufferTracer(c.Debug.DotDir, p.Name())
		if err != nil {
			return err
		}
		logger.Debugw("logging buffers", "file", t.Filename())
		p.AddTracer(t)
		p.Callbacks().AddOnStop(t.Close)
	}
	return nil
}

// WriteDot saves the graph of p to the dot directory, if one is configured.
func (c *Config) WriteDot(p *gst.Pipeline, suffix string) (string, error) {
	if c.Debug.DotDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.Debug.DotDir, 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s.dot", p.Name(), suffix)
	path := filepath.Join(c.Debug.DotDir, name)
	if err := os.WriteFile(path, []byte(p.DebugDot()), 0644); err != nil {
		return "", err
	}
	logger.Debugw("wrote pipeline graph", "path", path)
	return path, nil
}
