// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-annosync/annolite"
	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/mobiletoly/go-annosync/internal/server"
)

// Harness runs an annosync server over httptest and hands out annolite clients that talk to
// it through the real HTTP remote. All clients of one harness belong to the same user.
type Harness struct {
	Server *server.TestServer
	UserID string
	logger *slog.Logger

	mu      sync.Mutex
	clients []*annolite.Client
}

// NewHarness starts a server on databaseURL for a fresh user.
func NewHarness(databaseURL string) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ts, err := server.NewTestServer(&server.ServerConfig{
		DatabaseURL: databaseURL,
		JWTSecret:   "harness-secret",
		Logger:      logger,
		AppName:     "annosync-harness",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test server: %w", err)
	}
	return &Harness{Server: ts, UserID: "user-" + uuid.NewString(), logger: logger}, nil
}

// NewClient opens an in-memory client that authenticates as the harness user. Each client is
// its own device.
func (h *Harness) NewClient(mutate func(*annolite.Config)) (*annolite.Client, error) {
	db, err := annolite.OpenDB(":memory:")
	if err != nil {
		return nil, err
	}

	var device string
	remote := annolite.NewHTTPRemote(h.Server.URL(), func(ctx context.Context) (string, error) {
		return h.Server.GenerateToken(h.UserID, device, time.Hour)
	})

	config := annolite.DefaultConfig()
	config.Logger = h.logger
	config.BackoffMin = 10 * time.Millisecond
	config.BackoffMax = 50 * time.Millisecond
	config.RequestTimeout = 5 * time.Second
	if mutate != nil {
		mutate(config)
	}

	client, err := annolite.NewClient(db, remote, config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	device = client.SourceID

	h.mu.Lock()
	h.clients = append(h.clients, client)
	h.mu.Unlock()
	return client, nil
}

// ServerAnnotation reads the server row for id, nil when absent.
func (h *Harness) ServerAnnotation(ctx context.Context, id string) (*annosync.AnnotationEntity, error) {
	var row annosync.AnnotationEntity
	var entityType string
	err := h.Server.Pool.QueryRow(ctx, `
		SELECT user_id, entity_id::text, entity_type, location_key, data, version, deleted, updated_at
		FROM annosync.annotations WHERE user_id = $1 AND entity_id = $2::uuid
	`, h.UserID, id).Scan(&row.UserID, &row.EntityID, &entityType, &row.LocationKey, &row.Data,
		&row.Version, &row.Deleted, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	row.EntityType = annosync.EntityType(entityType)
	return &row, nil
}

// Close closes every client and stops the server.
func (h *Harness) Close() {
	h.mu.Lock()
	for _, c := range h.clients {
		_ = c.Close()
		_ = c.DB.Close()
	}
	h.clients = nil
	h.mu.Unlock()
	h.Server.Close()
}
