package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetcap/internal/app"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/session"
	"github.com/MrWong99/meetcap/internal/transcript"
	"github.com/MrWong99/meetcap/pkg/types"
)

// stopTimeout bounds a stop request issued after an interrupt.
const stopTimeout = 10 * time.Second

func newRecordCmd(o *options) *cobra.Command {
	var (
		file      string
		mode      string
		variant   string
		countdown int
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a realtime session in the foreground",
		Long: "Count down, start a realtime session and stream captured audio until Ctrl+C.\n" +
			"Transcript lines are printed as the backend returns them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := types.ParseVariant(variant)
			if err != nil {
				return err
			}
			if file != "" {
				o.cfg.Capture.Source = config.SourceFile
				o.cfg.Capture.File = file
			}
			if cmd.Flags().Changed("countdown") {
				o.cfg.Session.CountdownTicks = &countdown
			}

			out := NewFormatter(cmd.OutOrStdout())
			w := newWatcher(out)
			a, cleanup, err := o.newApp(cmd.Context(), app.WithoutHTTP(),
				app.WithSessionOptions(session.WithOnChange(w.observe)))
			if err != nil {
				return err
			}
			defer cleanup()

			a.Transcript().OnMerge(func(u transcript.Update) {
				text := u.Raw
				if v == types.VariantEnhanced {
					text = u.Enhanced
				}
				if text != nil && *text != "" {
					out.Transcript(u.Seq, *text)
				}
			})

			ctrl := a.Controller()
			snap, err := runSession(cmd.Context(), a, w,
				func(ctx context.Context) error { return ctrl.Start(ctx, types.CaptureMode(mode)) },
				func(ctx context.Context) error {
					err := ctrl.Stop(ctx)
					if errors.Is(err, session.ErrInvalidTransition) {
						return nil
					}
					return err
				},
			)
			shutdown(a)
			if err != nil {
				return err
			}
			return finishReport(out, snap)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "replay a WAV file instead of capturing live audio")
	f.StringVarP(&mode, "mode", "m", "", "capture mode: device or display (default capture.mode)")
	f.StringVar(&variant, "variant", "raw", "transcript variant to print: raw or enhanced")
	f.IntVar(&countdown, "countdown", 0, "countdown ticks before recording starts (default session.countdown_ticks)")

	return cmd
}

func newUploadCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Submit a finished recording as a post-meeting session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := NewFormatter(cmd.OutOrStdout())
			w := newWatcher(out)
			a, cleanup, err := o.newApp(cmd.Context(), app.WithoutHTTP(),
				app.WithSessionOptions(session.WithOnChange(w.observe)))
			if err != nil {
				return err
			}
			defer cleanup()

			ctrl := a.Controller()
			snap, err := runSession(cmd.Context(), a, w,
				func(ctx context.Context) error { return ctrl.Upload(ctx, args[0]) },
				nil,
			)
			shutdown(a)
			if err != nil {
				return err
			}
			return finishReport(out, snap)
		},
	}
}

// watcher follows controller snapshots and hands over the snapshot that
// ends a session. observe runs on the controller's event loop.
type watcher struct {
	out       *Formatter
	last      session.State
	lastCount int
	active    bool
	done      chan session.Snapshot
}

func newWatcher(out *Formatter) *watcher {
	return &watcher{out: out, done: make(chan session.Snapshot, 1)}
}

func (w *watcher) observe(s session.Snapshot) {
	if s.State == session.StateCountdown && s.Countdown != w.lastCount {
		w.out.Countdown(s.Countdown)
	}
	w.lastCount = s.Countdown
	if s.State == w.last {
		return
	}
	w.last = s.State
	w.out.State(s)
	if s.State.Active() {
		w.active = true
		return
	}
	if w.active {
		w.active = false
		select {
		case w.done <- s:
		default:
		}
	}
}

// runSession runs the controller loop of a, calls begin and waits until the
// session ends. The first interrupt calls interrupt, or aborts the wait when
// interrupt is nil; a second interrupt terminates the process.
func runSession(ctx context.Context, a *app.App, w *watcher, begin, interrupt func(context.Context) error) (session.Snapshot, error) {
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	runDone := make(chan struct{})
	var runErr error
	go func() {
		runErr = a.Run(runCtx)
		close(runDone)
	}()
	defer func() {
		cancelRun()
		<-runDone
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := begin(sigCtx); err != nil {
		return session.Snapshot{}, err
	}

	sig := sigCtx.Done()
	for {
		select {
		case s := <-w.done:
			return s, nil
		case <-runDone:
			if runErr == nil {
				runErr = errors.New("controller stopped")
			}
			return session.Snapshot{}, runErr
		case <-sig:
			stop()
			sig = nil
			if interrupt == nil {
				return session.Snapshot{}, context.Canceled
			}
			sctx, cancel := context.WithTimeout(runCtx, stopTimeout)
			err := interrupt(sctx)
			cancel()
			if err != nil {
				return session.Snapshot{}, fmt.Errorf("stop: %w", err)
			}
		}
	}
}

func finishReport(out *Formatter, s session.Snapshot) error {
	if s.State == session.StateError {
		return errors.New(s.Error)
	}
	out.SessionDone(s)
	if s.SessionID != "" && len(s.Sessions) > 0 {
		out.Sessions(s.Sessions)
	}
	return nil
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "err", err)
	}
}
