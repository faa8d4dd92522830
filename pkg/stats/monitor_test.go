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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/livekit/gstcore/pkg/elements"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

// sum adds up every sample of the named metric whose labels include
// labels.
func sum(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func hasLabels(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(labels)
}

func TestPipelineMonitor(t *testing.T) {
	p := gst.NewPipeline("monitored")
	src := elements.NewFakeSrc("src")
	require.NoError(t, src.SetProperty("num-buffers", 5))
	sink := elements.NewFakeSink("sink")
	require.NoError(t, p.AddMany(src, sink))

	reg := prometheus.NewRegistry()
	m := NewPipelineMonitor("node", p.Name())
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.RegisterBusGauge(reg, "node", p))
	p.AddTracer(m)

	require.NoError(t, gst.LinkElements(src, sink))
	require.Equal(t, 1.0, sum(t, reg, "livekit_gstcore_pad_links", map[string]string{"result": gst.PadLinkOK.String()}))

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	msg := p.Bus().TimedPopFiltered(5*time.Second, gst.MessageEOS|gst.MessageError)
	require.NotNil(t, msg)
	require.Equal(t, gst.MessageEOS, msg.Type)
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))

	require.Equal(t, 5.0, sum(t, reg, "livekit_gstcore_buffers_pushed", map[string]string{"element": "src", "pad": "src"}))
	require.Positive(t, sum(t, reg, "livekit_gstcore_bytes_pushed", nil))
	require.Positive(t, sum(t, reg, "livekit_gstcore_events_pushed", map[string]string{"type": gst.EventEOS.String()}))
	require.Zero(t, sum(t, reg, "livekit_gstcore_flow_returns", map[string]string{"flow": gst.FlowError.String()}))

	transitions := map[string]string{"transition": gst.ReadyToPaused.String(), "result": gst.StateChangeSuccess.String()}
	require.Positive(t, sum(t, reg, "livekit_gstcore_state_changes", transitions))
	require.Positive(t, sum(t, reg, "livekit_gstcore_state_change_time_ms", nil))
	require.Positive(t, sum(t, reg, "livekit_gstcore_bus_messages", map[string]string{"type": gst.MessageStateChanged.String()}))
	require.GreaterOrEqual(t, sum(t, reg, "livekit_gstcore_bus_pending", nil), 0.0)

	// registering twice fails
	require.Error(t, m.Register(reg))
}

type fixedTime struct{}

func (fixedTime) RunningTime() (time.Duration, bool)      { return 1500 * time.Millisecond, true }
func (fixedTime) PlayheadPosition() (time.Duration, bool) { return 0, false }

func TestTimeGauges(t *testing.T) {
	m := NewPipelineMonitor("node", "timed")

	reg := prometheus.NewRegistry()
	require.NoError(t, m.RegisterTimeGauges(reg, "node", "timed", fixedTime{}))
	require.Equal(t, 1.5, sum(t, reg, "livekit_gstcore_running_time_seconds", map[string]string{"pipeline": "timed"}))
	require.Zero(t, sum(t, reg, "livekit_gstcore_playhead_seconds", nil))

	reg = prometheus.NewRegistry()
	require.NoError(t, m.RegisterTimeGauges(reg, "node", "timed", gst.NopTimeProvider()))
	require.Zero(t, sum(t, reg, "livekit_gstcore_running_time_seconds", nil))
}
