// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mobiletoly/go-annosync/annolite"
	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [book.chapter.verse]",
	Short: "List annotations, optionally for one verse",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		var list []*annolite.Annotation
		if len(args) == 1 {
			loc, err := annosync.ParseLocationKey(args[0])
			if err != nil {
				return err
			}
			list, err = client.Store.ListByLocation(cmd.Context(), loc)
			if err != nil {
				return err
			}
		} else {
			list, err = client.Store.List(cmd.Context())
			if err != nil {
				return err
			}
		}
		for _, a := range list {
			printAnnotation(cmd.OutOrStdout(), a)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued, conflicted and rejected counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		agg, err := client.Status.Aggregate(cmd.Context())
		if err != nil {
			return err
		}
		printAggregate(cmd.OutOrStdout(), agg)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued changes to the server",
	Long: `Send queued changes in batches until nothing is due or the server stops accepting them.

With --watch the client stays online: changes made by other annotate invocations are
picked up on the periodic timer and the status line is printed whenever it changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		if watch {
			return watchSync(cmd)
		}

		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := client.Drain(cmd.Context())
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), result)
		agg, err := client.Status.Aggregate(cmd.Context())
		if err != nil {
			return err
		}
		printAggregate(cmd.OutOrStdout(), agg)
		return nil
	},
}

func watchSync(cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, closeFn, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	updates, unsubscribe := client.Status.Subscribe()
	defer unsubscribe()

	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.SetOnline(true); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Watching, press Ctrl+C to stop...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case agg, ok := <-updates:
			if !ok {
				return nil
			}
			printAggregate(cmd.OutOrStdout(), agg)
		}
	}
}

func init() {
	syncCmd.Flags().BoolP("watch", "w", false, "stay online and keep syncing")
	rootCmd.AddCommand(listCmd, statusCmd, syncCmd)
}
