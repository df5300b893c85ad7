// Copyright 2024-2026 Aiku AI

// Package bridge wires the relay core to the Mattermost and Matrix
// adapters and owns their lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/relaybridge/pkg/config"
	"github.com/aiku/relaybridge/pkg/connector/matrix"
	"github.com/aiku/relaybridge/pkg/connector/mattermost"
	"github.com/aiku/relaybridge/pkg/relay"
	"github.com/aiku/relaybridge/pkg/storage"
)

const adminShutdownTimeout = 5 * time.Second

// Bridge is a running relay between the configured Mattermost channels and
// Matrix rooms.
type Bridge struct {
	cfg *config.Config
	log zerolog.Logger

	stager      *storage.Stager
	urls        *storage.URLProvider
	registry    *prometheus.Registry
	metrics     *relay.Metrics
	inflight    *relay.InFlight
	broadcaster *relay.Broadcaster

	Mattermost *mattermost.Client
	Matrix     *matrix.Client

	admin   *http.Server
	closers []io.Closer
}

// New builds the storage layer, both adapters and the broadcaster. Nothing
// connects to the chat servers until Run. ctx bounds the Redis ping when
// the Redis URL cache is configured.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		inflight: relay.NewInFlight(),
	}

	var err error
	b.stager, err = storage.NewStager(cfg.Storage.TempDir, log)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.stager)

	tp, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, multierror.Append(err, b.Close())
	}
	if tp != nil {
		b.closers = append(b.closers, tracerCloser{tp})
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("Exporting traces")
	}

	urlCache, err := b.newURLCache(ctx)
	if err != nil {
		return nil, multierror.Append(err, b.Close())
	}
	b.urls = storage.NewURLProvider(urlCache, nil, cfg.Storage.URLTTL, log)

	b.metrics = relay.NewMetrics(b.registry)
	b.broadcaster = relay.NewBroadcaster(log, b.metrics)

	ids := relay.NewIDAllocator()
	cacheOpts := relay.CacheOptions{MaxEntries: cfg.Cache.MaxEntries, MaxAge: cfg.Cache.MaxAge}
	b.Mattermost = mattermost.NewClient(cfg, mattermost.Options{
		Sender:   b.broadcaster,
		IDs:      ids,
		Stager:   b.stager,
		URLs:     b.urls,
		InFlight: b.inflight,
		Metrics:  b.metrics,
		Cache:    cacheOpts,
	}, log)
	b.Matrix, err = matrix.NewClient(cfg, matrix.Options{
		Sender:   b.broadcaster,
		IDs:      ids,
		Stager:   b.stager,
		InFlight: b.inflight,
		Metrics:  b.metrics,
		Cache:    cacheOpts,
	}, log)
	if err != nil {
		return nil, multierror.Append(err, b.Close())
	}
	b.urls.SetUploader(b.Mattermost)

	for _, r := range []relay.Receiver{b.Mattermost, b.Matrix} {
		if err := b.broadcaster.AddReceiver(r); err != nil {
			return nil, multierror.Append(err, b.Close())
		}
	}
	b.registerGauges()

	if cfg.AdminAPIAddr != "" {
		b.admin = &http.Server{
			Addr:         cfg.AdminAPIAddr,
			Handler:      b.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}
	return b, nil
}

func (b *Bridge) newURLCache(ctx context.Context) (storage.URLCache, error) {
	switch b.cfg.Storage.URLCache {
	case "redis":
		cache, err := storage.ConnectRedis(ctx, b.cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.closers = append(b.closers, cache)
		return cache, nil
	default:
		return storage.NewMemoryURLCache(), nil
	}
}

func (b *Bridge) registerGauges() {
	factory := promauto.With(b.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relaybridge",
		Name:      "inflight_relays",
		Help:      "Relays currently being processed.",
	}, func() float64 { return float64(b.inflight.Active()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relaybridge",
		Name:      "staged_files",
		Help:      "Attachment and avatar files currently staged on disk.",
	}, func() float64 { return float64(b.stager.Staged()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "relaybridge",
		Name:        "correlation_entries",
		Help:        "Messages retained in a platform's correlation cache.",
		ConstLabels: prometheus.Labels{"source": relay.SourceMattermost.String()},
	}, func() float64 { return float64(b.Mattermost.Cache().Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "relaybridge",
		Name:        "correlation_entries",
		Help:        "Messages retained in a platform's correlation cache.",
		ConstLabels: prometheus.Labels{"source": relay.SourceMatrix.String()},
	}, func() float64 { return float64(b.Matrix.Cache().Len()) })
}

// Broadcaster returns the broadcaster both adapters relay through.
func (b *Bridge) Broadcaster() *relay.Broadcaster {
	return b.broadcaster
}

// Run connects both adapters and relays until ctx is cancelled. On
// cancellation it waits up to the configured shutdown timeout for
// in-flight relays, then releases storage. Run may only be called once.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Mattermost.Connect(ctx); err != nil {
		return multierror.Append(err, b.Close()).ErrorOrNil()
	}
	if err := b.Matrix.Connect(ctx); err != nil {
		return multierror.Append(err, b.Close()).ErrorOrNil()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Mattermost.Run(gctx) })
	g.Go(func() error { return b.Matrix.Run(gctx) })
	if b.admin != nil {
		g.Go(func() error { return b.serveAdmin(gctx) })
	}
	b.log.Info().Int("groups", len(b.cfg.Groups)).Msg("Relay started")
	err := g.Wait()

	return multierror.Append(err, b.shutdown()).ErrorOrNil()
}

func (b *Bridge) serveAdmin(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		b.log.Info().Str("addr", b.admin.Addr).Msg("Starting admin API")
		errCh <- b.admin.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		return b.admin.Shutdown(shutdownCtx)
	}
}

func (b *Bridge) shutdown() error {
	b.log.Info().Int("in_flight", b.inflight.Active()).Msg("Stopping relay")
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Relay.ShutdownTimeout)
	defer cancel()
	if err := b.inflight.Drain(ctx); err != nil {
		b.log.Warn().
			Int("abandoned", b.inflight.Active()).
			Dur("timeout", b.cfg.Relay.ShutdownTimeout).
			Msg("Shutdown timeout reached, abandoning in-flight relays")
	}
	return b.Close()
}

// Close releases the staging directory and the URL cache connection, and
// flushes pending trace spans.
func (b *Bridge) Close() error {
	var errs *multierror.Error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = multierror.Append(errs, b.closers[i].Close())
	}
	b.closers = nil
	return errs.ErrorOrNil()
}
