package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/local/audiobooker/internal/config"
	"github.com/local/audiobooker/internal/manifest"
	"github.com/local/audiobooker/internal/storage"
)

func newManifestCmd(cfg *config.Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "manifest <book_id>",
		Short: "Print the manifest of a processed book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifacts, err := storage.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			return printManifest(cmd.Context(), cmd.OutOrStdout(), artifacts, args[0], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

func printManifest(ctx context.Context, w io.Writer, artifacts storage.Storage, bookID, format string) error {
	data, err := artifacts.Get(ctx, manifest.Key(bookID))
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no manifest for book %s", bookID)
	}
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "json", "":
	case "yaml", "yml":
		m, err := manifest.Parse(data)
		if err != nil {
			return err
		}
		if data, err = m.YAML(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	_, err = w.Write(data)
	return err
}
