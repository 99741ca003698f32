// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/mobiletoly/go-annosync/annolite"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List annotations whose change was rejected as stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		list, err := client.Store.Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		for _, a := range list {
			printConflict(cmd.OutOrStdout(), a)
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by keeping the local side, taking the server side, or, for notes,
replacing the text with a manual merge.`,
	Example: `  annotate resolve 0b6f... --keep local
  annotate resolve 0b6f... --keep remote
  annotate resolve 0b6f... --merge "text combined by hand"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetString("keep")
		merge, _ := cmd.Flags().GetString("merge")
		merging := cmd.Flags().Changed("merge")
		if merging == (keep != "") {
			return errors.New("exactly one of --keep or --merge is required")
		}

		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		var resolved *annolite.Annotation
		switch {
		case merging:
			resolved, err = client.Resolver.Merge(cmd.Context(), args[0], merge)
		case keep == "local":
			resolved, err = client.Resolver.KeepLocal(cmd.Context(), args[0])
		case keep == "remote":
			resolved, err = client.Resolver.KeepRemote(cmd.Context(), args[0])
		default:
			return fmt.Errorf("--keep must be local or remote, got %q", keep)
		}
		if err != nil {
			return err
		}
		if resolved == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		}
		printAnnotation(cmd.OutOrStdout(), resolved)
		return nil
	},
}

func printConflict(w io.Writer, a *annolite.Annotation) {
	printAnnotation(w, a)
	if a.Incoming == nil {
		return
	}
	if a.Incoming.Deleted || a.Incoming.Data == nil {
		fmt.Fprintf(w, "    server v%d: %s\n", a.Incoming.Version, dimStyle.Render("deleted"))
		return
	}
	remote := &annolite.Annotation{
		Type:      a.Type,
		Note:      a.Incoming.Data.Note,
		Highlight: a.Incoming.Data.Highlight,
	}
	fmt.Fprintf(w, "    server v%d: %s\n", a.Incoming.Version, describe(remote))
}

func init() {
	resolveCmd.Flags().String("keep", "", "side to keep: local or remote")
	resolveCmd.Flags().String("merge", "", "merged note text")
	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}
