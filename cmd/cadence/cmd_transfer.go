/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/kv"
	"github.com/friendsincode/cadence/internal/transfer"
	"github.com/friendsincode/cadence/internal/workout"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a workout document into storage",
	Long:  "Apply every well-formed track entry of a JSON or YAML workout document. Malformed entries are skipped and reported.",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored workouts as a document",
	Long:  "Write the stored segments and tempos as a JSON or YAML workout document",
	RunE:  runExport,
}

var (
	importFormat   string
	importPlaylist string
	importStrict   bool

	exportFormat   string
	exportPlaylist string
	exportOutput   string
)

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)

	importCmd.Flags().StringVar(&importFormat, "format", "", "Document format: json or yaml (default: from file extension)")
	importCmd.Flags().StringVar(&importPlaylist, "playlist", "", "Only apply entries for this playlist")
	importCmd.Flags().BoolVar(&importStrict, "strict", false, "Exit non-zero when any entry was skipped")

	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Document format: json or yaml")
	exportCmd.Flags().StringVar(&exportPlaylist, "playlist", "", "Only export this playlist (default: all)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

// openRepository opens the configured store without the HTTP server.
func openRepository(ctx context.Context) (*workout.Repository, kv.Store, error) {
	if err := loadConfig(); err != nil {
		return nil, nil, err
	}
	store, err := kv.Open(ctx, cfg, clock.Real(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	repo := workout.NewRepository(store, clock.Real(), workout.Config{
		DefaultBPM: cfg.DefaultBPM,
		Debounce:   cfg.PersistDebounce,
	}, logger)
	return repo, store, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	format := transfer.FormatForPath(path)
	if importFormat != "" {
		f, err := transfer.ParseFormat(importFormat)
		if err != nil {
			return err
		}
		format = f
	}

	repo, store, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	defer repo.Close(context.Background())

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	report, err := transfer.NewService(repo, logger).Import(ctx, f, format, transfer.Options{Playlist: importPlaylist})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "applied %d, skipped %d\n", len(report.Applied), len(report.Skipped))
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", s.Key, s.Reason)
	}
	if importStrict && !report.OK() {
		return fmt.Errorf("%d entries skipped", len(report.Skipped))
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	format, err := transfer.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	repo, store, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	defer repo.Close(context.Background())

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	return transfer.NewService(repo, logger).Export(ctx, w, exportPlaylist, format)
}
