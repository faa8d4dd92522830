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

package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/livekit/gstcore/pkg/buffer"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

// PipelineMonitor is a tracer exporting the activity of a pipeline as
// prometheus metrics.
type PipelineMonitor struct {
	gst.BaseTracer

	buffers         *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	flowReturns     *prometheus.CounterVec
	events          *prometheus.CounterVec
	links           *prometheus.CounterVec
	stateChanges    *prometheus.CounterVec
	stateChangeTime *prometheus.HistogramVec
	messages        *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

func NewPipelineMonitor(nodeID, pipeline string) *PipelineMonitor {
	m := &PipelineMonitor{
		started: make(map[string]time.Time),
	}

	constantLabels := prometheus.Labels{"node_id": nodeID, "pipeline": pipeline}

	m.buffers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "buffers_pushed",
		Help:        "Number of buffers pushed per element src pad",
		ConstLabels: constantLabels,
	}, []string{"element", "pad"})

	m.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "bytes_pushed",
		Help:        "Number of bytes pushed per element src pad",
		ConstLabels: constantLabels,
	}, []string{"element", "pad"})

	m.flowReturns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "flow_returns",
		Help:        "Push results other than ok",
		ConstLabels: constantLabels,
	}, []string{"element", "flow"})

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "events_pushed",
		Help:        "Number of events pushed by type",
		ConstLabels: constantLabels,
	}, []string{"type"})

	m.links = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "pad_links",
		Help:        "Pad link attempts by result",
		ConstLabels: constantLabels,
	}, []string{"result"})

	m.stateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "state_changes",
		Help:        "Element state transitions with their result",
		ConstLabels: constantLabels,
	}, []string{"transition", "result"})

	m.stateChangeTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "state_change_time_ms",
		Help:        "A histogram of element state transition times in milliseconds",
		Buckets:     []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
		ConstLabels: constantLabels,
	}, []string{"transition"})

	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "bus_messages",
		Help:        "Messages posted by elements, by type",
		ConstLabels: constantLabels,
	}, []string{"type"})

	return m
}

// Register adds the metrics to reg, or to the default registerer when reg
// is nil.
func (m *PipelineMonitor) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.buffers, m.bytes, m.flowReturns, m.events, m.links,
		m.stateChanges, m.stateChangeTime, m.messages,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBusGauge exports the number of messages waiting on the bus of p.
func (m *PipelineMonitor) RegisterBusGauge(reg prometheus.Registerer, nodeID string, p *gst.Pipeline) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "bus_pending",
		Help:        "Messages waiting on the pipeline bus",
		ConstLabels: prometheus.Labels{"node_id": nodeID, "pipeline": p.Name()},
	}, func() float64 {
		return float64(p.Bus().Stats().Pending)
	})
	return reg.Register(gauge)
}

// RegisterTimeGauges exports the running time and playhead position of tp
// in seconds. Unavailable times read as zero.
func (m *PipelineMonitor) RegisterTimeGauges(reg prometheus.Registerer, nodeID, pipeline string, tp gst.TimeProvider) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"node_id": nodeID, "pipeline": pipeline}
	seconds := func(f func() (time.Duration, bool)) func() float64 {
		return func() float64 {
			if d, ok := f(); ok {
				return d.Seconds()
			}
			return 0
		}
	}

	running := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "running_time_seconds",
		Help:        "Time spent in PLAYING",
		ConstLabels: labels,
	}, seconds(tp.RunningTime))
	if err := reg.Register(running); err != nil {
		return err
	}

	playhead := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "livekit",
		Subsystem:   "gstcore",
		Name:        "playhead_seconds",
		Help:        "Stream time of the last rendered buffer",
		ConstLabels: labels,
	}, seconds(tp.PlayheadPosition))
	return reg.Register(playhead)
}

func (m *PipelineMonitor) PadPushPre(pad *gst.Pad, buf *buffer.Buffer) {
	labels := prometheus.Labels{"element": parentName(pad), "pad": pad.Name()}
	m.buffers.With(labels).Inc()
	m.bytes.With(labels).Add(float64(buf.Size()))
}

func (m *PipelineMonitor) PadPushPost(pad *gst.Pad, ret gst.FlowReturn) {
	if ret != gst.FlowOK {
		m.flowReturns.With(prometheus.Labels{"element": parentName(pad), "flow": ret.String()}).Inc()
	}
}

func (m *PipelineMonitor) PadPushEventPre(_ *gst.Pad, ev *gst.Event) {
	m.events.With(prometheus.Labels{"type": ev.Type.String()}).Inc()
}

func (m *PipelineMonitor) PadLinkPost(_, _ *gst.Pad, ret gst.PadLinkReturn) {
	m.links.With(prometheus.Labels{"result": ret.String()}).Inc()
}

func (m *PipelineMonitor) ElementChangeStatePre(e gst.Element, transition gst.StateChange) {
	m.mu.Lock()
	m.started[stateKey(e, transition)] = time.Now()
	m.mu.Unlock()
}

func (m *PipelineMonitor) ElementChangeStatePost(e gst.Element, transition gst.StateChange, ret gst.StateChangeReturn) {
	m.stateChanges.With(prometheus.Labels{"transition": transition.String(), "result": ret.String()}).Inc()

	key := stateKey(e, transition)
	m.mu.Lock()
	start, ok := m.started[key]
	delete(m.started, key)
	m.mu.Unlock()
	if ok {
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		m.stateChangeTime.With(prometheus.Labels{"transition": transition.String()}).Observe(elapsed)
	}
}

func (m *PipelineMonitor) ElementPostMessage(_ gst.Element, msg *gst.Message) {
	m.messages.With(prometheus.Labels{"type": msg.Type.String()}).Inc()
}

func parentName(pad *gst.Pad) string {
	if e := pad.Parent(); e != nil {
		return e.Name()
	}
	return ""
}

func stateKey(e gst.Element, transition gst.StateChange) string {
	return fmt.Sprintf("%p:%d", e, transition)
}
