package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/local/audiobooker/internal/book"
	"github.com/local/audiobooker/internal/config"
	"github.com/local/audiobooker/internal/dispatcher"
	"github.com/local/audiobooker/internal/manifest"
	"github.com/local/audiobooker/internal/orchestrator"
	"github.com/local/audiobooker/internal/store"
)

func newProcessCmd(cfg *config.Config) *cobra.Command {
	var (
		voice    string
		force    bool
		noTTS    bool
		useRedis bool
	)
	cmd := &cobra.Command{
		Use:   "process <pdf>",
		Short: "Process one book in-process and stream progress",
		Long: `Runs every stage for one PDF (path, file://, http(s):// or s3:// reference)
and prints progress events. Ctrl-C stops the run and leaves the book partial;
with --redis a later run resumes where this one stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				st      store.Store = store.NewMemory()
				breaker dispatcher.Breaker
			)
			if useRedis {
				rs, err := store.NewRedis(cfg.Queue.RedisURL)
				if err != nil {
					return err
				}
				defer rs.Close()
				st = rs
				breaker = dispatcher.NewRedisBreaker(rs.Client(), cfg.Worker.BreakerBaseBackoff, cfg.Worker.BreakerMaxBackoff)
			}

			a, err := buildApp(ctx, *cfg, st, breaker, !noTTS)
			if err != nil {
				return err
			}
			defer a.Close()

			h := a.pipeline.Start(ctx, orchestrator.Request{SourceRef: args[0], Voice: voice, Force: force})
			out := cmd.OutOrStdout()
			for ev := range h.Events() {
				printEvent(out, ev)
			}
			res, runErr := h.Wait()
			if n := h.Dropped(); n > 0 {
				fmt.Fprintf(out, "(%d progress events dropped)\n", n)
			}
			if res.BookID != "" && res.Status != book.StatusFailed && res.Status != book.StatusPartial {
				fmt.Fprintf(out, "manifest: %s\n", manifest.Key(res.BookID))
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&voice, "voice", "", "narration voice (defaults to TTS_VOICE)")
	cmd.Flags().BoolVar(&force, "force", false, "rerun every stage even when the book was processed before")
	cmd.Flags().BoolVar(&noTTS, "no-tts", false, "skip narration")
	cmd.Flags().BoolVar(&useRedis, "redis", false, "keep book state in Redis (REDIS_URL) so runs can be resumed")
	return cmd
}

func printEvent(w io.Writer, ev orchestrator.Event) {
	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case orchestrator.EventStageStarted:
		fmt.Fprintf(w, "%s  %-10s started\n", ts, ev.Stage)
	case orchestrator.EventStageCompleted:
		fmt.Fprintf(w, "%s  %-10s done\n", ts, ev.Stage)
	case orchestrator.EventStageSkipped:
		fmt.Fprintf(w, "%s  %-10s skipped (already completed)\n", ts, ev.Stage)
	case orchestrator.EventStageFailed:
		fmt.Fprintf(w, "%s  %-10s FAILED: %s\n", ts, ev.Stage, ev.Message)
	case orchestrator.EventChapterDone:
		fmt.Fprintf(w, "%s  %-10s chapter %d ok\n", ts, ev.Stage, ev.Chapter)
	case orchestrator.EventChapterFailed:
		fmt.Fprintf(w, "%s  %-10s chapter %d failed: %s\n", ts, ev.Stage, ev.Chapter, ev.Message)
	case orchestrator.EventWarning:
		code := ""
		if ev.Warning != nil {
			code = ev.Warning.Code
		}
		fmt.Fprintf(w, "%s  %-10s warning %s: %s\n", ts, ev.Stage, code, ev.Message)
	case orchestrator.EventFinished:
		fmt.Fprintf(w, "%s  book %s finished: %s\n", ts, ev.BookID, ev.Status)
	}
}
