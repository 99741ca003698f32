// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService is the reference remote store: it applies queued annotation operations
// against Postgres and answers each with an outcome from the batch taxonomy.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName          string // Application name for connection tracking
	MaxBatchSize     int    // Maximum operations in one batch (0 = unlimited)
	MaxPayloadBytes  int    // Maximum JSON data size per operation in bytes (0 = unlimited)
	MaxApplyAttempts int    // Attempts per operation on serialization/deadlock races (default 5)

	StageMetrics    StageMetricsRecorder // Optional per-stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// NewSyncService creates a new sync service instance from an existing pool and
// creates the sync schema if it does not exist yet.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if pool == nil {
		return nil, errors.New("pool cannot be nil")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "annosync-app"}
	}
	if config.MaxApplyAttempts <= 0 {
		config.MaxApplyAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	if err := service.initializeSchema(context.Background()); err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")

	return service, nil
}

// Close marks the service closed. It does NOT close the pool; the caller owns its lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// checkClosed returns an error if the service has been closed
func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// ProcessBatch applies a batch in submission order. Each operation is evaluated on its own,
// so one failing entity never blocks the others in the same batch.
func (s *SyncService) ProcessBatch(ctx context.Context, userID, sourceID string, req *BatchRequest) (*BatchResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	totalStart := s.stageStart()
	outcomes := make([]OperationOutcome, len(req.Operations))

	if s.config.MaxBatchSize > 0 && len(req.Operations) > s.config.MaxBatchSize {
		msg := fmt.Errorf("batch too large: operations=%d limit=%d", len(req.Operations), s.config.MaxBatchSize)
		for i, op := range req.Operations {
			outcomes[i] = statusTransient(op.IdempotencyKey, ReasonBatchTooLarge, msg)
		}
		return &BatchResponse{Outcomes: outcomes}, nil
	}

	validateStart := s.stageStart()
	valid := make([]bool, len(req.Operations))
	for i := range req.Operations {
		op := &req.Operations[i]
		reason, err := validateOperation(op, s.config.MaxPayloadBytes)
		if err != nil {
			s.logger.Warn("Operation validation failed",
				"user_id", userID,
				"source_id", sourceID,
				"op", op.Operation,
				"entity_type", op.EntityType,
				"entity_id", op.EntityID,
				"reason", reason,
				"error", err,
			)
			outcomes[i] = statusInvalid(op.IdempotencyKey, reason, err)
			continue
		}
		valid[i] = true
	}
	s.observeStage(ctx, MetricsStageValidate, validateStart, len(req.Operations), false)

	applyStart := s.stageStart()
	hadError := false
	for i, op := range req.Operations {
		if !valid[i] {
			continue
		}
		outcome, err := s.applyOperation(ctx, userID, sourceID, op)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			hadError = true
			s.logger.Error("Failed to apply operation", "error", err,
				"idempotency_key", op.IdempotencyKey, "entity_id", op.EntityID, "op", op.Operation)
			outcome = statusTransient(op.IdempotencyKey, ReasonInternalError, err)
		}
		s.logger.Debug("Operation processed", "idempotency_key", op.IdempotencyKey,
			"status", outcome.Status, "duplicate", outcome.Duplicate)
		outcomes[i] = outcome
	}
	s.observeStage(ctx, MetricsStageApply, applyStart, len(req.Operations), hadError)
	s.observeStage(ctx, MetricsStageTotal, totalStart, len(req.Operations), hadError)

	return &BatchResponse{Outcomes: outcomes}, nil
}
