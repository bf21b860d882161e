// Package service wires the pipeline components together and manages their
// lifecycle: broker connection, topology, graph writer, enrichment client,
// consumers, and the metrics/health HTTP listener.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postgraph/tagpipe/amqpclient"
	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/consumer"
	"github.com/postgraph/tagpipe/enrich"
	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/graphstore"
	"github.com/postgraph/tagpipe/health"
	"github.com/postgraph/tagpipe/metric"
)

// Status represents the current status of the runtime
type Status int

// Possible runtime statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Runtime owns every long-lived component of the pipeline
type Runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *metric.Registry
	monitor     *health.Monitor
	consumersUp prometheus.Gauge

	broker     *amqpclient.Client
	writer     *graphstore.Writer
	classifier *enrich.Classifier
	consumers  []*consumer.Consumer
	httpServer *http.Server

	status atomic.Value // Status
}

// New builds a Runtime from configuration. Nothing connects until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Runtime", "New", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := metric.NewRegistry()
	monitor := health.NewMonitor()
	metrics := registry.CoreMetrics()

	consumersUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metric.Namespace,
		Subsystem: "service",
		Name:      "consumers_running",
		Help:      "Number of consumers currently running",
	})
	if err := registry.RegisterGauge("service", "consumers_running", consumersUp); err != nil {
		return nil, err
	}

	broker, err := amqpclient.NewClient(cfg.Broker.URL,
		amqpclient.WithLogger(logger.With("component", "amqp-client")),
		amqpclient.WithConnectionName(cfg.Broker.ConnectionName),
		amqpclient.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	writer, err := graphstore.NewWriter(cfg.Graph,
		graphstore.WithLogger(logger.With("component", "graphstore")),
		graphstore.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	classifier, err := enrich.New(cfg.Enrichment,
		enrich.WithLogger(logger.With("component", "enrich")),
		enrich.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:         cfg,
		logger:      logger.With("component", "runtime"),
		registry:    registry,
		monitor:     monitor,
		consumersUp: consumersUp,
		broker:      broker,
		writer:      writer,
		classifier:  classifier,
	}
	r.status.Store(StatusStopped)
	return r, nil
}

// Status returns the current runtime status
func (r *Runtime) Status() Status {
	val := r.status.Load()
	if val == nil {
		return StatusStopped
	}
	return val.(Status)
}

// Run connects everything, starts the consumers, and blocks until ctx is
// cancelled. Shutdown is bounded by the configured shutdown timeout. A
// startup failure releases whatever was already connected before returning.
func (r *Runtime) Run(ctx context.Context) error {
	r.status.Store(StatusStarting)
	r.logger.Info("starting pipeline")

	if err := r.start(ctx); err != nil {
		_ = r.shutdown()
		return err
	}

	r.status.Store(StatusRunning)
	r.logger.Info("pipeline running",
		"exchange", r.cfg.Broker.Exchange,
		"consumers", len(r.consumers))

	r.watchHealth(ctx)

	<-ctx.Done()
	return r.shutdown()
}

func (r *Runtime) start(ctx context.Context) error {
	if err := r.broker.Connect(ctx); err != nil {
		return err
	}
	r.monitor.UpdateHealthy("broker", "connected")

	topo := amqpclient.Topology{
		Exchange: r.cfg.Broker.Exchange,
		Queues: []amqpclient.Queue{
			{Name: r.cfg.Consumers.PostCreated.Name, RoutingKey: r.cfg.Consumers.PostCreated.RoutingKey},
			{Name: r.cfg.Consumers.PostInteracted.Name, RoutingKey: r.cfg.Consumers.PostInteracted.RoutingKey},
		},
	}
	if err := r.broker.EnsureTopology(ctx, topo); err != nil {
		return err
	}

	if err := r.writer.Initialize(ctx); err != nil {
		return err
	}
	r.monitor.UpdateHealthy("graph", "connected")

	if err := r.startConsumers(ctx); err != nil {
		return err
	}

	r.startHTTP()
	return nil
}

func (r *Runtime) startConsumers(ctx context.Context) error {
	pipelines := []struct {
		queue    config.QueueConfig
		pipeline consumer.Pipeline
	}{
		{r.cfg.Consumers.PostCreated, consumer.PostCreatedPipeline(r.classifier, r.writer)},
		{r.cfg.Consumers.PostInteracted, consumer.PostInteractedPipeline(r.writer)},
	}

	for _, p := range pipelines {
		c, err := consumer.NewConsumer(r.broker, p.queue, p.pipeline,
			consumer.WithLogger(r.logger.With("component", "consumer", "queue", p.queue.Name)),
			consumer.WithMetrics(r.registry.CoreMetrics()),
		)
		if err != nil {
			return err
		}
		if err := c.Initialize(ctx); err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}
		r.consumers = append(r.consumers, c)
		r.consumersUp.Set(float64(len(r.consumers)))
	}
	return nil
}

func (r *Runtime) startHTTP() {
	if r.cfg.HTTP.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.registry.Handler())
	mux.Handle("/healthz", r.monitor.Handler("tagpipe"))

	r.httpServer = &http.Server{
		Addr:              r.cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		r.logger.Info("http listener started", "addr", r.cfg.HTTP.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http listener failed", "error", err)
		}
	}()
}

// watchHealth keeps the broker health status current
func (r *Runtime) watchHealth(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.broker.IsHealthy() {
					r.monitor.UpdateHealthy("broker", "connected")
				} else {
					r.monitor.UpdateUnhealthy("broker", "connection lost")
				}
			}
		}
	}()
}

func (r *Runtime) shutdown() error {
	r.status.Store(StatusStopping)
	r.logger.Info("shutting down", "timeout", r.cfg.ShutdownTimeout)

	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for _, c := range r.consumers {
		if err := c.Stop(time.Until(deadline)); err != nil {
			r.logger.Warn("consumer stop failed", "error", err)
		}
	}
	r.consumersUp.Set(0)

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("http shutdown failed", "error", err)
		}
	}

	if err := r.broker.Close(shutdownCtx); err != nil {
		r.logger.Warn("broker close failed", "error", err)
	}

	if err := r.writer.Close(shutdownCtx); err != nil {
		r.logger.Warn("graph close failed", "error", err)
	}

	r.status.Store(StatusStopped)
	r.logger.Info("pipeline stopped")
	return nil
}
