// File: cmd/replay.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/playback"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

// ErrPlaybackFailures is returned when some events could not be replayed.
var ErrPlaybackFailures = errors.New("playback finished with failed events")

type replayOptions struct {
	source          string
	speed           float64
	from            int
	to              int
	skipScreenshots bool
	pauseOnError    bool
}

func newReplayCmd(factory service.ComponentFactory) *cobra.Command {
	opts := replayOptions{from: -1, to: -1}
	replayCmd := &cobra.Command{
		Use:   "replay <recording-id|file.json>",
		Short: "Replay a stored or exported recording in a fresh page",
		Long: `Replays a recording from the store, or imports and replays an exported JSON
envelope when the argument names a file. Failed events are reported and skipped,
or end the replay when --pause-on-error is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			opts.source = args[0]
			if !cmd.Flags().Changed("speed") {
				opts.speed = cfg.Playback().DefaultSpeed
			}
			return runReplay(ctx, cmd.OutOrStdout(), cfg, factory, opts, observability.GetLogger())
		},
	}

	f := replayCmd.Flags()
	f.Float64VarP(&opts.speed, "speed", "s", 1, "playback speed multiplier (default from config)")
	f.IntVar(&opts.from, "from", -1, "first event index to replay")
	f.IntVar(&opts.to, "to", -1, "last event index to replay")
	f.BoolVar(&opts.skipScreenshots, "skip-screenshots", false, "do not take screenshots during replay")
	f.BoolVar(&opts.pauseOnError, "pause-on-error", false, "stop at the first event that fails to replay")
	return replayCmd
}

func (o replayOptions) playbackConfig() schemas.PlaybackConfig {
	pc := schemas.PlaybackConfig{Speed: o.speed, SkipScreenshots: o.skipScreenshots, PauseOnError: o.pauseOnError}
	if o.from >= 0 {
		from := o.from
		pc.StartFromEvent = &from
	}
	if o.to >= 0 {
		to := o.to
		pc.EndAtEvent = &to
	}
	return pc
}

// isFileSource reports whether the replay argument names an exported file
// rather than a stored recording id.
func isFileSource(source string) bool {
	if !strings.HasSuffix(strings.ToLower(source), ".json") {
		return false
	}
	info, err := os.Stat(source)
	return err == nil && !info.IsDir()
}

func runReplay(ctx context.Context, out io.Writer, cfg config.Interface, factory service.ComponentFactory, opts replayOptions, logger *zap.Logger) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown(context.WithoutCancel(ctx))
	ctrl := components.Controller

	recordingID := opts.source
	if isFileSource(opts.source) {
		data, err := os.ReadFile(opts.source)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.source, err)
		}
		rec, err := ctrl.ImportRecording(ctx, data)
		if err != nil {
			return err
		}
		recordingID = rec.ID
	}

	session, err := ctrl.CreateSession(ctx, "")
	if err != nil {
		return err
	}
	messages, unsubscribe := components.Hub.Subscribe(session.ID)
	defer unsubscribe()

	state, err := ctrl.StartPlayback(ctx, session.ID, recordingID, opts.playbackConfig())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Replaying %s (%d events) at %gx.\n", recordingID, state.TotalEvents, state.Speed)

	// The hub drops messages for slow readers, so completion is also polled.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			st, err := ctrl.PlaybackStatus(session.ID)
			if err != nil {
				return err
			}
			if st.Status == schemas.PlaybackStopped {
				return finishReplay(out, failures)
			}

		case <-ctx.Done():
			logger.Info("Interrupted, stopping playback.")
			if err := ctrl.StopPlayback(context.WithoutCancel(ctx), session.ID); err != nil {
				logger.Warn("Playback did not stop cleanly.", zap.Error(err))
			}
			return ctx.Err()

		case msg, ok := <-messages:
			if !ok {
				return errors.New("event stream closed before playback finished")
			}
			switch msg.Type {
			case schemas.MsgPlaybackEvent:
				if p, isProgress := msg.Data.(playback.EventProgress); isProgress {
					fmt.Fprintf(out, "  [%d/%d] %-16s %s\n", p.Index+1, p.State.TotalEvents, p.Event.Type, describeEvent(p.Event))
				}
			case schemas.MsgPlaybackError:
				failures++
				fmt.Fprintf(out, "  %s\n", msg.Text)
				if opts.pauseOnError {
					// Nobody can resume a paused replay from here.
					if err := ctrl.StopPlayback(context.WithoutCancel(ctx), session.ID); err != nil {
						logger.Warn("Playback did not stop cleanly.", zap.Error(err))
					}
					return finishReplay(out, failures)
				}
			case schemas.MsgPlaybackCompleted, schemas.MsgPlaybackStopped:
				return finishReplay(out, failures)
			}
		}
	}
}

func finishReplay(out io.Writer, failures int) error {
	fmt.Fprintf(out, "Playback finished: %d failed events.\n", failures)
	if failures > 0 {
		return fmt.Errorf("%w: %d", ErrPlaybackFailures, failures)
	}
	return nil
}
