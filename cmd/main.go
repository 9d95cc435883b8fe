/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/takama/daemon"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	zapcr "sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/NearNodeFlash/nnf-vme/internal/system"
	"github.com/NearNodeFlash/nnf-vme/internal/version"
	"github.com/NearNodeFlash/nnf-vme/pkg/boardconfig"
)

const (
	name        = "vmed"
	description = "NNF VME Bridge Service"
)

var setupLog = logf.Log.WithName("setup")

type Service struct {
	daemon.Daemon
}

func (service *Service) Manage() (string, error) {

	if len(os.Args) > 1 {
		command := os.Args[1]
		switch command {
		case "install":
			return service.Install(os.Args[2:]...)
		case "remove":
			return service.Remove()
		case "start":
			return service.Start()
		case "stop":
			return service.Stop()
		case "status":
			return service.Status()
		}
	}

	opts := getOptions()

	setupLog.Info("VME Bridge Daemon", "Version", version.BuildVersion(), "GOMAXPROCS", runtime.GOMAXPROCS(0))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		return "Failed", err
	}

	return "Exited", nil
}

type options struct {
	boardConfig  string
	metricsAddr  string
	drainTimeout time.Duration
}

func getOptions() *options {
	opts := options{
		boardConfig:  os.Getenv("VME_BOARD_CONFIG"),
		metricsAddr:  os.Getenv("VME_METRICS_ADDR"),
		drainTimeout: 10 * time.Second,
	}

	if len(opts.boardConfig) == 0 {
		opts.boardConfig = "/etc/vme/board.yaml"
	}
	if len(opts.metricsAddr) == 0 {
		opts.metricsAddr = ":8080"
	}

	flag.StringVar(&opts.boardConfig, "board-config", opts.boardConfig, "Path to the board description")
	flag.StringVar(&opts.metricsAddr, "metrics-bind-address", opts.metricsAddr, "The address the metric endpoint binds to; 0 disables it")
	flag.DurationVar(&opts.drainTimeout, "drain-timeout", opts.drainTimeout, "Time to wait for each bridge to be released on shutdown")

	zapOptions := zapcr.Options{
		Development: true,
		Encoder:     zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
	}
	zapOptions.BindFlags(flag.CommandLine)

	flag.Parse()

	logf.SetLogger(zapcr.New(zapcr.UseFlagOptions(&zapOptions)))

	return &opts
}

func run(ctx context.Context, opts *options) (err error) {
	vars := boardconfig.NewVarHandler(nil)
	vars.AddEnv("VME_")

	board, err := boardconfig.Load(opts.boardConfig, vars)
	if err != nil {
		return err
	}

	s, err := system.Start(ctx, board, logf.Log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Stop(opts.drainTimeout)) }()

	for _, dev := range s.Devices() {
		level, vector := dev.Interrupt()
		setupLog.Info("Device ready", "device", dev.Name, "bridge", dev.Bridge().String(), "level", level, "vector", vector)
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.metricsAddr != "0" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			setupLog.Info("Serving metrics", "address", opts.metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		setupLog.Info("Daemon is stopping")
		return nil
	})

	return g.Wait()
}

func main() {

	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println("Version", version.BuildVersion())
		os.Exit(0)
	}

	kindFn := func() daemon.Kind {
		if runtime.GOOS == "darwin" {
			return daemon.UserAgent
		}
		return daemon.SystemDaemon
	}

	d, err := daemon.New(name, description, kindFn())
	if err != nil {
		setupLog.Error(err, "Could not create daemon")
		os.Exit(1)
	}

	service := &Service{d}

	status, err := service.Manage()
	if err != nil {
		setupLog.Error(err, status)
		os.Exit(1)
	}

	fmt.Println(status)
}
