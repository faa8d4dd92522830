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

package handler

import (
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/livekit/gstcore/pkg/config"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
	"github.com/livekit/gstcore/pkg/launch"
	"github.com/livekit/gstcore/pkg/stats"
	"github.com/livekit/protocol/logger"
)

// Handler builds one pipeline from a launch description and runs it to
// completion.
type Handler struct {
	conf        *config.Config
	registry    *gst.Registry
	description string
	metrics     *prometheus.Registry

	mu       sync.Mutex
	pipeline *gst.Pipeline
	errs     errors.ErrArray

	initialized core.Fuse
	eos         core.Fuse
	kill        core.Fuse
}

var (
	tracer = otel.Tracer("github.com/livekit/gstcore/pkg/handler")
)

func NewHandler(conf *config.Config, registry *gst.Registry, description string) *Handler {
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.MetricsAll)))

	return &Handler{
		conf:        conf,
		registry:    registry,
		description: description,
		metrics:     metrics,
	}
}

// Run builds the pipeline and plays it until EOS, an error, or Kill. The
// returned error holds every error reported while running.
func (h *Handler) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Handler.Run")
	defer span.End()

	p, err := h.build(ctx)
	h.initialized.Break()
	if err != nil {
		logger.Errorw("failed to build pipeline", err, "description", h.description)
		return err
	}

	go func() {
		select {
		case <-h.eos.Watch():
			logger.Infow("sending EOS", "pipeline", p.Name())
			p.SendEOS(h.conf.EOSTimeout)
		case <-h.kill.Watch():
			logger.Infow("stopping pipeline", "pipeline", p.Name())
			p.Stop()
		case <-ctx.Done():
			p.Stop()
		}
	}()

	if err = p.Run(); err != nil {
		h.addError(err)
	}
	// release the goroutine above once the pipeline stopped by itself
	h.kill.Break()
	if p.CurrentState() != gst.StateNull {
		// killed before it started playing
		p.SetState(gst.StateNull)
	}

	if m, err := h.GenerateMetrics(ctx); err == nil {
		logger.Debugw("pipeline metrics", "metrics", m)
	}

	return h.errs.ToError()
}

func (h *Handler) build(ctx context.Context) (*gst.Pipeline, error) {
	_, span := tracer.Start(ctx, "Handler.build")
	defer span.End()

	p, err := launch.Parse(h.registry, h.description, launch.WithElementSetup(h.conf.ConfigureElement))
	if err != nil {
		return nil, err
	}
	if err = h.conf.ConfigurePipeline(p); err != nil {
		return nil, err
	}

	monitor := stats.NewPipelineMonitor(h.conf.NodeID, p.Name())
	if err = monitor.Register(h.metrics); err != nil {
		return nil, err
	}
	if err = monitor.RegisterBusGauge(h.metrics, h.conf.NodeID, p); err != nil {
		return nil, err
	}
	if err = monitor.RegisterTimeGauges(h.metrics, h.conf.NodeID, p.Name(), p); err != nil {
		return nil, err
	}
	p.AddTracer(monitor)

	p.Callbacks().SetOnError(func(err error) {
		h.addError(err)
		if errors.Is(err, errors.ErrPipelineFrozen) {
			go p.Stop()
		}
		if _, dotErr := h.conf.WriteDot(p, "error"); dotErr != nil {
			logger.Warnw("failed to write pipeline graph", dotErr)
		}
	})

	h.mu.Lock()
	h.pipeline = p
	h.mu.Unlock()
	return p, nil
}

func (h *Handler) addError(err error) {
	h.errs.AppendErr(err)
}

// SendEOS ends the stream at every source and lets the pipeline drain.
func (h *Handler) SendEOS() {
	h.eos.Break()
}

// Kill stops the pipeline without draining.
func (h *Handler) Kill() {
	h.kill.Break()
}

// Initialized is closed once the pipeline was built, or failed to build.
func (h *Handler) Initialized() <-chan struct{} {
	return h.initialized.Watch()
}

// Pipeline returns the running pipeline, nil before it was built.
func (h *Handler) Pipeline() *gst.Pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipeline
}

// TimeProvider reports the running time and position of the pipeline once
// it was built.
func (h *Handler) TimeProvider() gst.TimeProvider {
	if p := h.Pipeline(); p != nil {
		return p
	}
	return gst.NopTimeProvider()
}

// Gatherer exposes the pipeline metrics.
func (h *Handler) Gatherer() prometheus.Gatherer {
	return h.metrics
}
