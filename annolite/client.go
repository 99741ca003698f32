// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package annolite is the offline-first client for annotations (bookmarks, notes and
// highlights). Writes land in a local SQLite Annotation Store together with an Operation Log
// entry; a background scheduler replays the log against an annosync server in batches and
// the Status Publisher reports the outcome to the presentation layer.
package annolite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration for the annotation sync client
type Config struct {
	BatchSize      int           // operations per batch, e.g. 50
	MaxRetries     int           // transient failures before an operation is parked as failed
	SyncInterval   time.Duration // periodic sync while online
	BackoffMin     time.Duration // 1s
	BackoffMax     time.Duration // 60s
	JitterPercent  uint64        // jitter applied to every backoff delay
	RequestTimeout time.Duration // bound on one batch call
	Logger         *slog.Logger
	Clock          func() time.Time
	OnStateChange  func(State) // called from the scheduler goroutine
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		MaxRetries:     5,
		SyncInterval:   30 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		JitterPercent:  20,
		RequestTimeout: 15 * time.Second,
	}
}

func (c *Config) validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("config.BatchSize must be positive")
	case c.MaxRetries <= 0:
		return fmt.Errorf("config.MaxRetries must be positive")
	case c.SyncInterval <= 0:
		return fmt.Errorf("config.SyncInterval must be positive")
	case c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin:
		return fmt.Errorf("config.BackoffMin must be positive and not above BackoffMax")
	case c.JitterPercent > 100:
		return fmt.Errorf("config.JitterPercent must be within 0..100")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("config.RequestTimeout must be positive")
	}
	return nil
}

// Client owns the local database and the sync components for one session.
type Client struct {
	DB         *sql.DB
	SourceID   string
	Store      *Store
	Log        *OpLog
	Reconciler *Reconciler
	Resolver   *Resolver
	Status     *Publisher

	scheduler *Scheduler
	config    *Config
	logger    *slog.Logger
	writeMu   sync.Mutex // Serialize write operations to prevent SQLite locking issues

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// OpenDB opens a SQLite database for the client. ":memory:" keeps a single connection so
// every caller sees the same database.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewClient initializes the local tables and wires the sync components around db.
// The caller keeps ownership of db.
func NewClient(db *sql.DB, remote Remote, config *Config) (*Client, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ctx := context.Background()
	if err := initializeDatabase(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sourceID, err := ensureSourceID(ctx, db)
	if err != nil {
		return nil, err
	}

	c := &Client{DB: db, SourceID: sourceID, config: &cfg, logger: cfg.Logger}
	c.Status = newPublisher(db, cfg.Logger)
	notify := c.Status.changed

	c.Log = &OpLog{db: db, writeMu: &c.writeMu, maxRetries: cfg.MaxRetries, clock: cfg.Clock, notify: notify}
	c.Store = &Store{db: db, writeMu: &c.writeMu, log: c.Log, clock: cfg.Clock, notify: notify}
	c.Reconciler = &Reconciler{
		db:        db,
		writeMu:   &c.writeMu,
		log:       c.Log,
		remote:    remote,
		timeout:   cfg.RequestTimeout,
		backoff:   backoffPolicy{min: cfg.BackoffMin, max: cfg.BackoffMax, jitter: cfg.JitterPercent},
		logger:    cfg.Logger,
		notify:    notify,
		status:    c.Status,
		slot:      make(chan struct{}, 1),
		batchSize: cfg.BatchSize,
	}
	c.Resolver = &Resolver{db: db, writeMu: &c.writeMu, log: c.Log, clock: cfg.Clock, logger: cfg.Logger, notify: notify}
	c.scheduler = newScheduler(c.Reconciler, c.Log, c.Status, &cfg)
	c.scheduler.onState = cfg.OnStateChange
	return c, nil
}

// Hydrate restores persisted sync state after the database is reopened and publishes the
// initial status.
func (c *Client) Hydrate(ctx context.Context) (Aggregate, error) {
	var persisted int
	if err := c.DB.QueryRowContext(ctx, `SELECT batch_size FROM _anno_client_info WHERE id = 1`).
		Scan(&persisted); err != nil {
		return Aggregate{}, fmt.Errorf("failed to load client info: %w", err)
	}
	if persisted > 0 && persisted < c.config.BatchSize {
		c.Reconciler.sizeMu.Lock()
		c.Reconciler.batchSize = persisted
		c.Reconciler.sizeMu.Unlock()
	}

	agg, err := c.Status.Aggregate(ctx)
	if err != nil {
		return Aggregate{}, err
	}
	c.logger.Info("Hydrated annotation store", "source_id", c.SourceID, "pending", agg.PendingCount,
		"conflicts", agg.ConflictCount, "failed", agg.FailedCount, "batch_size", c.Reconciler.BatchSize())
	c.Status.changed()
	return agg, nil
}

// Start launches the sync scheduler. The client starts offline; report connectivity with SetOnline.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	go c.scheduler.run(ctx)
	return nil
}

// SetOnline reports a connectivity transition to the scheduler.
func (c *Client) SetOnline(online bool) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.scheduler.SetOnline(online)
	return nil
}

// SyncNow cancels any backoff and starts a batch immediately when online.
func (c *Client) SyncNow() error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.scheduler.SyncNow()
	return nil
}

// State returns the scheduler state.
func (c *Client) State() State { return c.scheduler.State() }

// SyncOnce submits one batch in the foreground.
func (c *Client) SyncOnce(ctx context.Context) (BatchResult, error) {
	if err := c.checkClosed(); err != nil {
		return BatchResult{}, err
	}
	return c.Reconciler.SyncOnce(ctx)
}

// Drain submits batches until nothing is eligible or a batch hits a transient failure.
// Failed and rescheduled operations are left for the scheduler.
func (c *Client) Drain(ctx context.Context) (BatchResult, error) {
	var total BatchResult
	for {
		res, err := c.SyncOnce(ctx)
		if err != nil {
			return total, err
		}
		total.Sent += res.Sent
		total.Accepted += res.Accepted
		total.Stale += res.Stale
		total.Invalid += res.Invalid
		total.Transient += res.Transient
		total.Failed += res.Failed
		total.Shrunk = total.Shrunk || res.Shrunk
		if res.Err != nil {
			total.Err = res.Err
		}
		if res.Sent == 0 || res.Transient > 0 {
			return total, nil
		}
	}
}

// Close stops the scheduler and closes all subscriptions. The database stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if started {
		<-c.scheduler.stopped
	}
	c.Status.close()
	return nil
}

func (c *Client) checkClosed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
