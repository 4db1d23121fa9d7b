// Package hub owns the single instance of the ingestion pipeline: one
// upstream connection, one history buffer, one batch writer. The Hub is
// built once in main and passed by reference; the package-level Init and Get
// exist so a late caller can never construct a second pipeline behind the
// first one's back.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appconfig "feedhub/config"
	"feedhub/internal/buffer"
	"feedhub/internal/feed"
	"feedhub/internal/metrics"
	"feedhub/internal/store"
	"feedhub/internal/writer"
	"feedhub/logger"
)

var (
	mu       sync.Mutex
	instance *Hub

	// ErrAlreadyInitialized is returned when Init is called twice.
	ErrAlreadyInitialized = errors.New("hub is already initialized")
	// ErrNotInitialized is returned by Get before Init has run.
	ErrNotInitialized = errors.New("hub is not initialized")
)

// Hub holds the wired pipeline components for one process.
type Hub struct {
	cfg *appconfig.Config
	log *logger.Log

	ring    *buffer.Ring
	store   store.Store
	archive *store.Archive
	writer  *writer.BatchWriter
	manager *feed.Manager

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
}

// Init constructs the process-wide Hub. Calling Init a second time is a
// programming error and fails without touching the existing instance.
func Init(ctx context.Context, cfg *appconfig.Config, log *logger.Log) (*Hub, error) {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return nil, ErrAlreadyInitialized
	}

	h, err := New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	instance = h
	return h, nil
}

// Get returns the Hub created by Init.
func Get() (*Hub, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// New builds an unstarted Hub from configuration. Most callers want Init;
// New exists for tests that need an isolated pipeline.
func New(ctx context.Context, cfg *appconfig.Config, log *logger.Log) (*Hub, error) {
	ring := buffer.NewRing(cfg.Buffer.Capacity)

	var st store.Store
	if cfg.Storage.Postgres.Enabled {
		pg, err := store.NewPostgres(ctx, cfg.Storage.Postgres, log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st = pg
	} else {
		log.WithComponent("hub").Warn("postgres disabled, trade events will not be persisted")
		st = store.Discard{}
	}

	archive, err := store.NewArchive(cfg.Storage.S3, log)
	if err != nil {
		return nil, fmt.Errorf("configure archive: %w", err)
	}

	batchWriter := writer.NewBatchWriter(cfg.Writer, st, archive, log)
	transport := feed.NewWebsocketTransport(cfg.Feed.WriteTimeout)
	manager := feed.NewManager(cfg.Feed, transport, ring, batchWriter, log)

	metrics.SetBufferSizeSampler(ring.Len)

	return &Hub{
		cfg:     cfg,
		log:     log,
		ring:    ring,
		store:   st,
		archive: archive,
		writer:  batchWriter,
		manager: manager,
	}, nil
}

// Start launches the batch writer and the connection manager. It is
// idempotent; later calls return the first outcome.
func (h *Hub) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		if err := h.writer.Start(ctx); err != nil {
			h.startErr = fmt.Errorf("start writer: %w", err)
			return
		}
		if err := h.manager.Start(ctx); err != nil {
			h.startErr = fmt.Errorf("start feed manager: %w", err)
			return
		}
		h.log.WithComponent("hub").Info("pipeline started")
	})
	return h.startErr
}

// Shutdown stops intake, drains the pending queue with a final flush, and
// closes the store. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		h.log.WithComponent("hub").Info("pipeline shutting down")
		h.manager.Stop()
		h.writer.Stop()
		if err := h.store.Close(); err != nil {
			h.log.WithComponent("hub").WithError(err).Warn("failed to close store")
		}
		metrics.SetBufferSizeSampler(nil)
		h.log.WithComponent("hub").Info("pipeline stopped")
	})
}

// Buffer exposes the history ring for the read endpoint.
func (h *Hub) Buffer() *buffer.Ring { return h.ring }

// Feed exposes the connection manager for health reads and admin actions.
func (h *Hub) Feed() *feed.Manager { return h.manager }

// Writer exposes the batch writer, mainly for observability.
func (h *Hub) Writer() *writer.BatchWriter { return h.writer }

// reset clears the package singleton. Tests only.
func reset() {
	mu.Lock()
	instance = nil
	mu.Unlock()
}
