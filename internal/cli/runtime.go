package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"identitycore/internal/blob"
	"identitycore/internal/config"
	"identitycore/internal/core"
	"identitycore/internal/events"
	"identitycore/internal/logging"
	"identitycore/pkg/domain"
)

// RuntimeOptions tunes OpenRuntime.
type RuntimeOptions struct {
	Stderr io.Writer
	// Trace selects the JSON span writer instead of the global OpenTelemetry provider.
	Trace bool
}

// Runtime is the wired service plus every resource it holds open.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Service  *core.Service
	Events   *events.Log
	Registry *prometheus.Registry
	// Broker republishes committed events to in-process subscribers.
	Broker *events.Broker[domain.Event]

	blobOnce sync.Once
	blob     blob.Store
	blobErr  error
	closers  []func() error
}

// OpenRuntime opens the configured state backend and builds a service with
// logging, metrics, tracing, audit and event delivery attached.
func OpenRuntime(ctx context.Context, cfg config.Config, opts RuntimeOptions) (*Runtime, error) {
	logger := logging.New(cfg.Log, opts.Stderr)
	rt := &Runtime{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}

	store, err := core.OpenPersistentStore(cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	if c, ok := store.(io.Closer); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	if cfg.Events.LogPath != "" {
		rt.Events, err = events.OpenFileLog(cfg.Events.LogPath)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, rt.Events.Close)
	} else {
		rt.Events = events.NewLog()
	}
	rt.Broker = events.NewBroker[domain.Event]()
	rt.closers = append(rt.closers, func() error { rt.Broker.Close(); return nil })
	sinks := []domain.EventSink{rt.Events, events.NewBrokerSink(rt.Broker)}

	redisClient, err := events.NewRedisClient(ctx, cfg.Events.RedisURL)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if redisClient != nil {
		rt.closers = append(rt.closers, redisClient.Close)
		stream, err := events.NewStreamSink(redisClient, cfg.Events.RedisStream)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		sinks = append(sinks, stream)
	}

	metrics := core.MultiMetricsRecorder{core.NewPrometheusMetricsRecorder(rt.Registry, cfg.Metrics.Namespace)}
	if cfg.Metrics.Expvar {
		metrics = append(metrics, core.NewExpvarMetricsRecorder(""))
	}
	if cfg.Metrics.Textfile != "" {
		path := cfg.Metrics.Textfile
		rt.closers = append(rt.closers, func() error {
			return prometheus.WriteToTextfile(path, rt.Registry)
		})
	}

	var tracer core.Tracer = core.NewOTelTracer(nil)
	if opts.Trace {
		tracer = core.NewJSONTracer(opts.Stderr)
	}

	rt.Service = core.NewService(store,
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(tracer),
		core.WithAuditRecorder(logAudit{logger: logger}),
		core.WithEventSink(events.NewFanout(sinks...)),
	)
	logger.Debug("runtime ready", "storage", cfg.Storage.Driver, "redis", redisClient != nil, "event_log", cfg.Events.LogPath)
	return rt, nil
}

// Blob opens the checkpoint store on first use.
func (r *Runtime) Blob(ctx context.Context) (blob.Store, error) {
	r.blobOnce.Do(func() {
		r.blob, r.blobErr = blob.Open(ctx, r.Config.Blob)
	})
	return r.blob, r.blobErr
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

type logAudit struct {
	logger *slog.Logger
}

func (a logAudit) Record(ctx context.Context, entry core.AuditEntry) {
	attrs := []any{
		"operation", entry.Operation,
		"caller", string(entry.Caller),
		"status", string(entry.Status),
		"duration", entry.Duration,
	}
	if !entry.EntityID.IsZero() {
		attrs = append(attrs, "entity", entry.EntityID.String())
	}
	if entry.Error != "" {
		attrs = append(attrs, "error", entry.Error)
	}
	a.logger.DebugContext(ctx, "audit", attrs...)
}
