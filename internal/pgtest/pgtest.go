// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgtest shares one Postgres container between the tests of a package.
package pgtest

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once      sync.Once
	container *postgres.PostgresContainer
	connStr   string
	startErr  error
)

// ConnString returns the URL of a test database. TEST_DATABASE_URL points the tests at an
// existing database; otherwise a container is started on first use. The test is skipped
// under -short or when no container provider is available.
func ConnString(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests skipped in -short mode")
	}
	once.Do(func() {
		if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
			connStr = url
			return
		}
		testcontainers.SkipIfProviderIsNotHealthy(t)
		ctx := context.Background()
		container, startErr = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("annosync_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if startErr != nil {
			return
		}
		connStr, startErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if startErr != nil {
		t.Fatalf("failed to start postgres: %v", startErr)
	}
	if connStr == "" {
		t.Skip("container provider unavailable")
	}
	return connStr
}

// Terminate stops the container if one was started. Call it from TestMain.
func Terminate() {
	if container != nil {
		_ = container.Terminate(context.Background())
	}
}
