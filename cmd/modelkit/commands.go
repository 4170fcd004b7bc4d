/*
   Copyright The Modelkit Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/astkit/modelkit/config"
	"github.com/astkit/modelkit/download"
	"github.com/astkit/modelkit/model"
	"github.com/astkit/modelkit/pipeline"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		jsonOutput bool
		quiet      bool
	)

	// Pipeline is created in PersistentPreRunE so flags are parsed first.
	var p *pipeline.Pipeline

	cmd := &cobra.Command{
		Use:   "modelkit",
		Short: "Manage ML model artifacts",
		Long:  "Download, verify and cache ML model artifacts.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			cfg, err := config.NewConfigFromToml(configPath)
			if err != nil {
				return err
			}
			setupLogLevel(cfg.LogLevel)
			p, err = pipeline.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize pipeline: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if p == nil {
				return nil
			}
			return p.Close()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "Path to the TOML configuration file")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")

	cmd.AddCommand(pullCmd(&p, &quiet))
	cmd.AddCommand(listCmd(&p, &jsonOutput))
	cmd.AddCommand(rmCmd(&p, &quiet))
	cmd.AddCommand(statsCmd(&p, &jsonOutput))
	cmd.AddCommand(cleanupCmd(&p, &quiet))
	cmd.AddCommand(quarantineCmd(&p, &jsonOutput, &quiet))

	return cmd
}

func pullCmd(p **pipeline.Pipeline, quiet *bool) *cobra.Command {
	var (
		url      string
		checksum string
		size     int64
		format   string
	)

	cmd := &cobra.Command{
		Use:   "pull <name> <version>",
		Short: "Download and cache a model",
		Long:  "Download a model artifact, verify its integrity and store it in the cache.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := model.Descriptor{
				Name:     args[0],
				Version:  args[1],
				URL:      url,
				Checksum: digest.Digest(checksum),
				Size:     size,
				Format:   model.Format(format),
			}
			if err := desc.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			done := make(chan struct{})
			if !*quiet {
				go watchProgress(ctx, cmd.OutOrStdout(), *p, desc.ID(), done)
			}

			path, err := (*p).Acquire(ctx, desc)
			close(done)
			if err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s -> %s\n", desc.ID(), path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Source URL of the artifact (https)")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Expected digest, e.g. sha256:abc...")
	cmd.Flags().Int64Var(&size, "size", 0, "Expected size in bytes")
	cmd.Flags().StringVar(&format, "format", "", "Container format (onnx, gguf, safetensors, bin)")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("checksum")
	cmd.MarkFlagRequired("size")
	cmd.MarkFlagRequired("format")
	return cmd
}

// watchProgress polls the downloader's transfer table once a second and
// renders the transfer for key, until done is closed.
func watchProgress(ctx context.Context, w io.Writer, p *pipeline.Pipeline, key string, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range p.ActiveTransfers() {
				if t.Key != key {
					continue
				}
				renderTransfer(w, t)
			}
		}
	}
}

func renderTransfer(w io.Writer, t download.TransferState) {
	var pct float64
	if t.TotalBytes > 0 {
		pct = float64(t.BytesTransferred) / float64(t.TotalBytes) * 100
	}
	fmt.Fprintf(w, "\r\x1b[K%s %3.0f%% (%s of %s, %s/s, eta %s)",
		t.Status, pct,
		formatSize(t.BytesTransferred), formatSize(t.TotalBytes),
		formatSize(int64(t.Speed)), formatDuration(t.ETA))
}

func listCmd(p **pipeline.Pipeline, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := (*p).Cache().Entries()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if *jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "No models cached")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tFORMAT\tSIZE\tSTORED\tLAST ACCESS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Key, e.Format, formatSize(e.Size),
					e.StoredAt.Format("2006-01-02 15:04"),
					e.LastAccess.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func rmCmd(p **pipeline.Pipeline, quiet *bool) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rm <name> [version]",
		Short: "Remove a cached model",
		Long:  "Remove a cached model. Use --all to remove every cached version of the name.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 2 {
				version = args[1]
			}
			if version == "" && !all {
				return fmt.Errorf("version required (or use --all to remove all versions)")
			}
			if err := (*p).Cache().RemoveModel(args[0], version); err != nil {
				return err
			}
			if !*quiet {
				if version == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Removed all versions of %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s@%s\n", args[0], version)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove all versions of the model")
	return cmd
}

func statsCmd(p **pipeline.Pipeline, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache and error statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := struct {
				Cache  any `json:"cache"`
				Errors any `json:"errors"`
			}{
				Cache:  (*p).Stats(),
				Errors: (*p).ErrorStatistics(),
			}
			w := cmd.OutOrStdout()
			if *jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			cs := (*p).Stats()
			es := (*p).ErrorStatistics()
			fmt.Fprintf(w, "Models cached:  %d\n", cs.TotalModels)
			fmt.Fprintf(w, "Total size:     %s\n", formatSize(cs.TotalSize))
			fmt.Fprintf(w, "Hit rate:       %.1f%%\n", cs.HitRate*100)
			fmt.Fprintf(w, "Errors (total): %d\n", es.Total)
			fmt.Fprintf(w, "Errors (1h):    %d\n", es.RecentWindow)
			return nil
		},
	}
}

func cleanupCmd(p **pipeline.Pipeline, quiet *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run a cache eviction pass",
		Long:  "Apply the configured eviction policy to the cache immediately.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*p).Cache().Cleanup(); err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache cleanup complete.")
			}
			return nil
		},
	}
}

func quarantineCmd(p **pipeline.Pipeline, jsonOutput, quiet *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and manage quarantined artifacts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantined artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := (*p).Verifier().ListQuarantined()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if *jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(w, "Quarantine is empty")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tREASON\tQUARANTINED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Path, e.Reason, e.Timestamp.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}

	restore := &cobra.Command{
		Use:   "restore <quarantine-path> <target-path>",
		Short: "Restore a quarantined artifact",
		Long:  "Copy a quarantined artifact back to target-path and drop its quarantine record.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*p).Verifier().Restore(args[0], args[1]); err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Restored to %s\n", args[1])
			}
			return nil
		},
	}

	var olderThanDays int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired quarantine entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Zero means the configured retention applies.
			removed, err := (*p).Verifier().Cleanup(time.Duration(olderThanDays) * 24 * time.Hour)
			if err != nil {
				return err
			}
			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d quarantined artifacts\n", removed)
			}
			return nil
		},
	}
	cleanup.Flags().IntVar(&olderThanDays, "older-than-days", 0, "Remove entries older than this many days (default: the configured retention)")

	cmd.AddCommand(list, restore, cleanup)
	return cmd
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	d = d.Round(time.Second)
	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
