// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/mobiletoly/go-annosync/annolite"
	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/spf13/cobra"
)

var bookmarkCmd = &cobra.Command{
	Use:   "bookmark",
	Short: "Manage bookmarks",
}

var bookmarkAddCmd = &cobra.Command{
	Use:     "add <book.chapter.verse>",
	Short:   "Bookmark a verse",
	Example: "  annotate bookmark add John.3.16",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := annosync.ParseLocationKey(args[0])
		if err != nil {
			return err
		}
		return putAnnotation(cmd, annolite.NewBookmark(loc))
	},
}

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Manage notes",
}

var noteAddCmd = &cobra.Command{
	Use:     "add <book.chapter.verse> <text>",
	Short:   "Attach a note to a verse",
	Example: `  annotate note add John.3.16 "For God so loved the world"`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := annosync.ParseLocationKey(args[0])
		if err != nil {
			return err
		}
		return putAnnotation(cmd, annolite.NewNote(loc, args[1]))
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id> <text>",
	Short: "Replace the text of a note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAnnotation(cmd, args[0], func(a *annolite.Annotation) error {
			if a.Type != annosync.EntityNote {
				return fmt.Errorf("%s is a %s, not a note", a.ID, a.Type)
			}
			a.Note = &annosync.NotePayload{Text: args[1]}
			return nil
		})
	},
}

var highlightCmd = &cobra.Command{
	Use:   "highlight",
	Short: "Manage highlights",
}

var highlightAddCmd = &cobra.Command{
	Use:     "add <book.chapter.verse>",
	Short:   "Highlight a verse or a range within it",
	Example: "  annotate highlight add John.3.16 --color yellow --start 0 --end 24",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := annosync.ParseLocationKey(args[0])
		if err != nil {
			return err
		}
		color, _ := cmd.Flags().GetString("color")
		start, end := offsetFlags(cmd)
		return putAnnotation(cmd, annolite.NewHighlight(loc, color, start, end))
	},
}

var highlightEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change the color or range of a highlight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAnnotation(cmd, args[0], func(a *annolite.Annotation) error {
			if a.Type != annosync.EntityHighlight {
				return fmt.Errorf("%s is a %s, not a highlight", a.ID, a.Type)
			}
			h := *a.Highlight
			if cmd.Flags().Changed("color") {
				h.Color, _ = cmd.Flags().GetString("color")
			}
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				h.StartOffset, h.EndOffset = offsetFlags(cmd)
			}
			a.Highlight = &h
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an annotation",
	Long: `Delete an annotation. An annotation that never reached the server disappears
immediately; otherwise the delete is queued and can be undone with "restore"
until it has been sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := client.Store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Undo a queued delete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		a, err := client.Store.Restore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printAnnotation(cmd.OutOrStdout(), a)
		return nil
	},
}

func offsetFlags(cmd *cobra.Command) (start, end *int) {
	if cmd.Flags().Changed("start") {
		v, _ := cmd.Flags().GetInt("start")
		start = &v
	}
	if cmd.Flags().Changed("end") {
		v, _ := cmd.Flags().GetInt("end")
		end = &v
	}
	return start, end
}

func putAnnotation(cmd *cobra.Command, a *annolite.Annotation) error {
	client, closeFn, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	saved, err := client.Store.Put(cmd.Context(), a)
	if err != nil {
		return err
	}
	logger.Info("Annotation saved", "id", saved.ID, "type", saved.Type, "location", saved.Location.String())
	printAnnotation(cmd.OutOrStdout(), saved)
	return nil
}

func editAnnotation(cmd *cobra.Command, id string, mutate func(a *annolite.Annotation) error) error {
	client, closeFn, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()

	a, err := client.Store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	if err := mutate(a); err != nil {
		return err
	}
	saved, err := client.Store.Put(cmd.Context(), a)
	if err != nil {
		return err
	}
	printAnnotation(cmd.OutOrStdout(), saved)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{highlightAddCmd, highlightEditCmd} {
		c.Flags().StringP("color", "c", "yellow", "highlight color")
		c.Flags().Int("start", 0, "start offset within the verse")
		c.Flags().Int("end", 0, "end offset within the verse")
	}

	bookmarkCmd.AddCommand(bookmarkAddCmd)
	noteCmd.AddCommand(noteAddCmd, noteEditCmd)
	highlightCmd.AddCommand(highlightAddCmd, highlightEditCmd)
	rootCmd.AddCommand(bookmarkCmd, noteCmd, highlightCmd, deleteCmd, restoreCmd)
}
