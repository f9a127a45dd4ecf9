// File: cmd/record.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/recorder"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

// recordOptions are the per-run overrides of the configured capture policy.
type recordOptions struct {
	url         string
	events      []string
	duration    time.Duration
	maxEvents   int
	screenshots bool
	outputPath  string
	follow      bool
}

func newRecordCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		opts      recordOptions
		maskInput bool
	)
	recordCmd := &cobra.Command{
		Use:   "record <url>",
		Short: "Open a page and record interactions until interrupted",
		Long: `Opens the URL in the browser and records clicks, typing, navigation and the
other configured event types. Recording stops on Ctrl+C, after --duration, or when
a configured limit is reached. The recording is saved to the configured store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mask-input") {
				cfg.SetRecorderMaskSensitiveInput(maskInput)
			}
			opts.url = args[0]
			if !cmd.Flags().Changed("screenshots") {
				opts.screenshots = cfg.Recorder().CaptureScreenshots
			}
			return runRecord(ctx, cmd.OutOrStdout(), cfg, factory, opts, observability.GetLogger())
		},
	}

	f := recordCmd.Flags()
	f.StringSliceVarP(&opts.events, "events", "e", nil, "event types to capture (default from config)")
	f.DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long (0 waits for Ctrl+C)")
	f.IntVar(&opts.maxEvents, "max-events", 0, "stop after this many events (default from config)")
	f.BoolVar(&opts.screenshots, "screenshots", false, "capture screenshots")
	f.BoolVar(&maskInput, "mask-input", false, "mask values typed into sensitive fields")
	f.StringVarP(&opts.outputPath, "output", "o", "", "also write the JSON envelope to this file")
	f.BoolVarP(&opts.follow, "follow", "F", false, "print events as they are captured")
	return recordCmd
}

// recordingConfig applies the command line overrides to the configured policy.
func (o recordOptions) recordingConfig(cfg config.RecorderConfig) (schemas.RecordingConfig, error) {
	rc := recorder.RecordingConfigFromConfig(cfg)
	if len(o.events) > 0 {
		rc.Events = rc.Events[:0:0]
		for _, e := range o.events {
			t := schemas.EventType(e)
			if !t.IsValid() {
				return rc, fmt.Errorf("%w: unknown event type %q", recorder.ErrInvalidConfig, e)
			}
			rc.Events = append(rc.Events, t)
		}
	}
	if o.maxEvents > 0 {
		rc.MaxEvents = o.maxEvents
	}
	rc.CaptureScreenshots = o.screenshots
	return rc, nil
}

func runRecord(ctx context.Context, out io.Writer, cfg config.Interface, factory service.ComponentFactory, opts recordOptions, logger *zap.Logger) error {
	recCfg, err := opts.recordingConfig(cfg.Recorder())
	if err != nil {
		return err
	}

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown(context.WithoutCancel(ctx))
	ctrl := components.Controller

	session, err := ctrl.CreateSession(ctx, opts.url)
	if err != nil {
		return err
	}
	messages, unsubscribe := components.Hub.Subscribe(session.ID)
	defer unsubscribe()

	live, err := ctrl.StartRecording(ctx, session.ID, &recCfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Recording %s on %s. Press Ctrl+C to stop.\n", live.ID, opts.url)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

wait:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, stopping recording.")
			break wait
		case <-deadline:
			break wait
		case msg, ok := <-messages:
			if !ok {
				break wait
			}
			switch msg.Type {
			case schemas.MsgRecordingEvent:
				if ev, isEvent := msg.Data.(schemas.Event); isEvent && opts.follow {
					fmt.Fprintf(out, "  %-16s %s\n", ev.Type, describeEvent(ev))
				}
			case schemas.MsgRecordingStopped:
				// A capture limit ended the recording.
				break wait
			}
		}
	}

	rec, err := ctrl.StopRecording(context.WithoutCancel(ctx), session.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved recording %s (%d events).\n", rec.ID, len(rec.Events))

	if opts.outputPath != "" {
		data, err := export.ToJSON(rec)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.outputPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.outputPath, err)
		}
		fmt.Fprintf(out, "Wrote %s.\n", opts.outputPath)
	}
	return nil
}

// describeEvent is the one line form used by --follow output.
func describeEvent(ev schemas.Event) string {
	switch {
	case ev.URL != "" && ev.Selector == "":
		return ev.URL
	case ev.Value != "":
		return fmt.Sprintf("%s = %q", ev.Selector, ev.Value)
	case ev.Selector != "":
		return ev.Selector
	case ev.Coordinates != nil:
		return fmt.Sprintf("(%.0f, %.0f)", ev.Coordinates.X, ev.Coordinates.Y)
	}
	return ""
}
