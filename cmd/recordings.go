// File: cmd/recordings.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// storeProvider opens the recording repository for commands that do not
// need a browser. Tests substitute an in-memory implementation.
type storeProvider interface {
	// Create returns the repository and a cleanup func that releases it.
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (store.Repository, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider opens the store named by the configuration.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (store.Repository, func(), error) {
	return service.InitializeStore(ctx, cfg, logger)
}

// withStore resolves config and logger from the command and hands an open
// repository to fn.
func withStore(cmd *cobra.Command, provider storeProvider, fn func(ctx context.Context, repo store.Repository, logger *zap.Logger) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	repo, cleanup, err := provider.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	return fn(ctx, repo, logger)
}

func newListCmd(provider storeProvider) *cobra.Command {
	var asJSON bool
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored recordings, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, provider, func(ctx context.Context, repo store.Repository, _ *zap.Logger) error {
				list, err := repo.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list recordings: %w", err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					data, err := json.MarshalIndent(list, "", "  ")
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(data))
					return err
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tEVENTS\tSTARTED\tURL")
				for _, r := range list {
					started := time.UnixMilli(r.StartTime).UTC().Format(time.RFC3339)
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Status, r.TotalEvents, started, r.InitialURL)
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print the summaries as JSON")
	return listCmd
}

func newExportCmd(provider storeProvider) *cobra.Command {
	var (
		format     string
		outputPath string
		opts       = export.DefaultScriptOptions()
	)
	exportCmd := &cobra.Command{
		Use:   "export <recording-id>",
		Short: "Export a recording as a JSON envelope or a replay script",
		Long: `Writes a stored recording either as the portable JSON envelope accepted by
'import', or as a standalone Playwright (JavaScript) or chromedp (Go) script.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, provider, func(ctx context.Context, repo store.Repository, logger *zap.Logger) error {
				rec, err := repo.Get(ctx, args[0])
				if err != nil {
					return err
				}

				var data []byte
				switch format {
				case service.FormatJSON:
					data, err = export.ToJSON(rec)
				case service.FormatScript:
					data, err = export.ToScript(rec, opts)
				default:
					return fmt.Errorf("%w: unknown format %q", export.ErrInvalidExportOptions, format)
				}
				if err != nil {
					return err
				}

				if outputPath == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(outputPath, data, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", outputPath, err)
				}
				logger.Info("Recording exported.", zap.String("recording_id", rec.ID), zap.String("path", outputPath), zap.String("format", format))
				return nil
			})
		},
	}
	f := exportCmd.Flags()
	f.StringVarP(&format, "format", "f", service.FormatJSON, "output format: json or script")
	f.StringVarP(&outputPath, "output", "o", "", "output file (default stdout)")
	f.StringVar(&opts.Target, "target", opts.Target, "script flavor: playwright or chromedp")
	f.Float64Var(&opts.Speed, "speed", opts.Speed, "playback speed baked into script waits")
	f.BoolVar(&opts.IncludeScreenshots, "screenshots", false, "emit screenshot steps in scripts")
	return exportCmd
}

func newImportCmd(provider storeProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Import an exported recording envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			rec, err := export.FromJSON(data)
			if err != nil {
				return err
			}
			return withStore(cmd, provider, func(ctx context.Context, repo store.Repository, logger *zap.Logger) error {
				if err := repo.Save(ctx, rec); err != nil {
					return fmt.Errorf("failed to save recording: %w", err)
				}
				logger.Info("Recording imported.", zap.String("recording_id", rec.ID), zap.Int("events", len(rec.Events)))
				fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
				return nil
			})
		},
	}
}

func newDeleteCmd(provider storeProvider) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <recording-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored recording",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, provider, func(ctx context.Context, repo store.Repository, logger *zap.Logger) error {
				if err := repo.Delete(ctx, args[0]); err != nil {
					return err
				}
				logger.Info("Recording deleted.", zap.String("recording_id", args[0]))
				return nil
			})
		},
	}
}

// readInput reads a file, or stdin when name is "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}
