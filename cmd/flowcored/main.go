package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/flowforge/mediacore/internal/config"
	"github.com/flowforge/mediacore/internal/filter"
	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/pipeline"
	"github.com/flowforge/mediacore/internal/scheduler"
	"github.com/flowforge/mediacore/internal/servicelog"
	"github.com/flowforge/mediacore/internal/watchcfg"
)

// tickingSource generates an incrementing payload at a fixed period,
// standing in for whatever upstream source (RTP, a capture card, a
// file reader) a real deployment plugs in as a Head filter's generator.
type tickingSource struct {
	seq uint64
}

func (s *tickingSource) GenerateFrame(dst *frame.Frame) (time.Duration, error) {
	n := atomic.AddUint64(&s.seq, 1)
	if err := dst.SetLength(8); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint64(dst.Data(), n)
	return 0, nil
}

// passthrough copies its input frame unchanged, standing in for a
// concrete codec filter (spec.md §1 leaves codecs as external
// collaborators).
type passthrough struct{}

func (passthrough) ProcessFrame(src, dst *frame.Frame) (time.Duration, error) {
	return 0, src.CopyInto(dst)
}

// loggingSink reports every frame it receives, standing in for a
// concrete RTSP/RTP sink.
type loggingSink struct {
	logger servicelog.Logger
	count  uint64
}

func (s *loggingSink) ConsumeFrame(src *frame.Frame) (time.Duration, error) {
	n := atomic.AddUint64(&s.count, 1)
	if n%100 == 0 {
		s.logger.Info("sink progress",
			servicelog.Uint64("frames", n),
			servicelog.Uint64("sequence", src.SequenceNumber()))
	}
	return 0, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := config.Config{}
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Check(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := servicelog.New(cfg.Debug, cfg.LogFolder)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't initialize logger: %v\n", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := scheduler.NewPool(cfg.Scheduler.Workers, cfg.Scheduler.MaxQuiesceWait(), logger, rec)
	pool.Start(ctx)
	defer pool.Stop()

	manager := pipeline.NewManager(pool, logger, rec)

	head, err := filter.NewHead("source", 20*time.Millisecond, &tickingSource{}, logger, rec)
	if err != nil {
		logger.Fatal("failed to build source filter", servicelog.Error(err))
	}
	mid, err := filter.NewOneToOne("relay", passthrough{}, logger, rec)
	if err != nil {
		logger.Fatal("failed to build relay filter", servicelog.Error(err))
	}
	sink, err := filter.NewTail("sink", &loggingSink{logger: logger}, logger, rec)
	if err != nil {
		logger.Fatal("failed to build sink filter", servicelog.Error(err))
	}

	headID, err := manager.AddFilter(head)
	if err != nil {
		logger.Fatal("failed to register source filter", servicelog.Error(err))
	}
	midID, err := manager.AddFilter(mid)
	if err != nil {
		logger.Fatal("failed to register relay filter", servicelog.Error(err))
	}
	sinkID, err := manager.AddFilter(sink)
	if err != nil {
		logger.Fatal("failed to register sink filter", servicelog.Error(err))
	}

	p1, err := manager.CreatePath(headID, -1, midID, -1, 8, 64, frame.CodecOpaque, false)
	if err != nil {
		logger.Fatal("failed to create path", servicelog.Error(err))
	}
	if err := manager.ConnectPath(p1); err != nil {
		logger.Fatal("failed to connect path", servicelog.Error(err))
	}

	p2, err := manager.CreatePath(midID, -1, sinkID, -1, 8, 64, frame.CodecOpaque, false)
	if err != nil {
		logger.Fatal("failed to create path", servicelog.Error(err))
	}
	if err := manager.ConnectPath(p2); err != nil {
		logger.Fatal("failed to connect path", servicelog.Error(err))
	}

	if *configPath != "" {
		go func() {
			err := watchcfg.Watch(ctx, logger, *configPath, func(sc config.SchedulerConfig) {
				pool.Reconfigure(ctx, sc.Workers)
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("config watcher exited", servicelog.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("listening", servicelog.Int("port", cfg.MetricsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", servicelog.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
