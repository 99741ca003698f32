// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command annotate keeps bookmarks, notes and highlights in a local SQLite file and
// syncs them with an annosyncd server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mobiletoly/go-annosync/annolite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfgFile string
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Offline-first bookmarks, notes and highlights",
	Long: `annotate stores annotations in a local SQLite database and queues every change.
Queued changes are sent to an annosyncd server with "annotate sync".

Configuration is read from annotate.yaml (current directory or ~/.annotate),
ANNOTATE_* environment variables and flags, in increasing priority.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logger = newLogger(viper.GetString("log-file"), viper.GetString("log-level"))
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default annotate.yaml)")
	flags.String("db", defaultDBPath(), "local SQLite database")
	flags.String("server", "http://localhost:8080", "annosyncd base URL")
	flags.String("user", "", "user for dummy signin")
	flags.String("password", "", "password for dummy signin")
	flags.String("token", "", "static JWT; skips dummy signin")
	flags.String("log-file", "", "rotating log file (default <db dir>/annotate.log)")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.Duration("timeout", 15*time.Second, "bound on one batch call")
	flags.Int("batch-size", 50, "operations per batch")

	for _, name := range []string{"db", "server", "user", "password", "token", "log-file", "log-level", "timeout", "batch-size"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("annotate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".annotate"))
		}
	}
	viper.SetEnvPrefix("ANNOTATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "annotate.db"
	}
	return filepath.Join(home, ".annotate", "annotate.db")
}

// newLogger writes text logs to a size-rotated file so command output stays clean.
func newLogger(path, level string) *slog.Logger {
	if path == "" {
		path = filepath.Join(filepath.Dir(viper.GetString("db")), "annotate.log")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openClient opens the local database and wires a client against the configured server.
func openClient(ctx context.Context) (*annolite.Client, func(), error) {
	path := viper.GetString("db")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	db, err := annolite.OpenDB(path)
	if err != nil {
		return nil, nil, err
	}

	tokens := &tokenSource{
		serverURL: viper.GetString("server"),
		static:    viper.GetString("token"),
		user:      viper.GetString("user"),
		password:  viper.GetString("password"),
		logger:    logger,
	}
	remote := annolite.NewHTTPRemote(tokens.serverURL, tokens.Token)

	config := annolite.DefaultConfig()
	config.Logger = logger
	config.RequestTimeout = viper.GetDuration("timeout")
	config.BatchSize = viper.GetInt("batch-size")

	client, err := annolite.NewClient(db, remote, config)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	tokens.device = client.SourceID
	if _, err := client.Hydrate(ctx); err != nil {
		_ = client.Close()
		_ = db.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = client.Close()
		_ = db.Close()
	}
	return client, closeFn, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
