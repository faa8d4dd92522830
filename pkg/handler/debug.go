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
	"bytes"
	"context"
	"net/http"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/livekit/gstcore/pkg/errors"
	"github.com/livekit/protocol/logger"
)

const (
	cpuProfileName        = "cpu"
	defaultProfileSeconds = 30
)

func (h *Handler) GetPipelineDot(ctx context.Context) (string, error) {
	_, span := tracer.Start(ctx, "Handler.GetPipelineDot")
	defer span.End()

	p := h.Pipeline()
	if p == nil {
		return "", errors.ErrPipelineNotRunning
	}
	return p.DebugDot(), nil
}

// GetPProf returns the named runtime profile. The cpu profile samples for
// the given number of seconds.
func (h *Handler) GetPProf(ctx context.Context, profileName string, seconds int, debug int) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Handler.GetPProf")
	defer span.End()

	buf := &bytes.Buffer{}
	if profileName == cpuProfileName {
		if seconds == 0 {
			seconds = defaultProfileSeconds
		}
		if err := pprof.StartCPUProfile(buf); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			// finish async in order not to block, since we will not use the results
			go pprof.StopCPUProfile()
			return nil, context.Canceled
		case <-time.After(time.Duration(seconds) * time.Second):
		}
		pprof.StopCPUProfile()
		return buf.Bytes(), nil
	}

	pp := pprof.Lookup(profileName)
	if pp == nil {
		return nil, errors.ErrProfileNotFound
	}
	if err := pp.WriteTo(buf, debug); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateMetrics renders the pipeline metrics in the prometheus text format.
func (h *Handler) GenerateMetrics(ctx context.Context) (string, error) {
	_, span := tracer.Start(ctx, "Handler.GenerateMetrics")
	defer span.End()

	metrics, err := h.metrics.Gather()
	if err != nil {
		return "", err
	}
	return renderMetrics(metrics)
}

func renderMetrics(metrics []*dto.MetricFamily) (string, error) {
	writer := &strings.Builder{}
	for _, metric := range metrics {
		if _, err := expfmt.MetricFamilyToText(writer, metric); err != nil {
			logger.Errorw("error writing metric family", err)
			return "", err
		}
	}
	return writer.String(), nil
}

// ServeHTTP answers /dot, /metrics and /pprof/<profile>. Profiles are only
// served when profiling is enabled.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/debug")

	switch {
	case path == "/dot":
		dot, err := h.GetPipelineDot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		_, _ = w.Write([]byte(dot))

	case path == "/metrics":
		m, err := h.GenerateMetrics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(m))

	case strings.HasPrefix(path, "/pprof/") && h.conf.Debug.EnableProfiling:
		seconds, _ := strconv.Atoi(r.URL.Query().Get("seconds"))
		debug, _ := strconv.Atoi(r.URL.Query().Get("debug"))
		b, err := h.GetPProf(r.Context(), strings.TrimPrefix(path, "/pprof/"), seconds, debug)
		switch {
		case errors.Is(err, errors.ErrProfileNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(b)
		}

	default:
		http.NotFound(w, r)
	}
}
