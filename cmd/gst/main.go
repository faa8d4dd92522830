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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livekit/gstcore/pkg/config"
	"github.com/livekit/gstcore/pkg/elements"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
	"github.com/livekit/gstcore/pkg/handler"
	"github.com/livekit/protocol/logger"
)

const version = "0.1.0"

func main() {
	cmd := &cli.Command{
		Name:        "gst",
		Usage:       "GStreamer-style pipeline runner",
		Version:     version,
		Description: "builds pipelines from launch descriptions and runs them",
		Commands: []*cli.Command{
			{
				Name:      "launch",
				Usage:     "runs a pipeline until EOS or error",
				ArgsUsage: "<element> [! <element> ...]",
				Action:    runLaunch,
			},
			{
				Name:      "inspect",
				Usage:     "lists element factories, or describes one",
				ArgsUsage: "[factory]",
				Action:    runInspect,
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "gstcore yaml config file",
				Sources: cli.EnvVars("GSTCORE_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "gstcore yaml config body",
				Sources: cli.EnvVars("GSTCORE_CONFIG_BODY"),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Command) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	return config.NewConfig(configBody)
}

func runLaunch(ctx context.Context, c *cli.Command) error {
	description := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(description) == "" {
		return errors.ErrEmptyPipeline
	}

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	gst.DefaultTaskPool = conf.NewTaskPool()
	if err = elements.Register(gst.DefaultRegistry()); err != nil {
		return err
	}

	h := handler.NewHandler(conf, gst.DefaultRegistry(), description)

	if conf.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(h.Gatherer(), promhttp.HandlerOpts{}))
		go func() {
			_ = http.ListenAndServe(fmt.Sprintf(":%d", conf.PrometheusPort), mux)
		}()
	}
	if conf.DebugHandlerPort > 0 {
		go func() {
			_ = http.ListenAndServe(fmt.Sprintf(":%d", conf.DebugHandlerPort), h)
		}()
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	go func() {
		select {
		case sig := <-stopChan:
			logger.Infow("exit requested, draining pipeline", "signal", sig)
			h.SendEOS()
		case sig := <-killChan:
			logger.Infow("exit requested, stopping pipeline", "signal", sig)
			h.Kill()
		}
	}()

	return h.Run(ctx)
}
