package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	fileutil "convertkit/internal/file"
	"convertkit/internal/stream"
	"convertkit/internal/task"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		fieldFlags []string
		outputDir  string
	)
	cmd := &cobra.Command{
		Use:   "run <tool> <file>",
		Short: "Upload a file, follow its progress and download the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(fieldFlags)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = cfg.OutputDir
			}
			api, err := ctx.apiClient()
			if err != nil {
				return err
			}
			tracker, err := ctx.tracker(api)
			if err != nil {
				return err
			}
			defer tracker.Close()

			r := runner{
				tracker:   tracker,
				api:       api,
				render:    newRenderer(cmd.ErrOrStderr()),
				out:       cmd.OutOrStdout(),
				outputDir: outputDir,
			}
			return r.run(cmd.Context(), args[0], args[1], fields)
		},
	}
	cmd.Flags().StringArrayVarP(&fieldFlags, "field", "f", nil, "Extra form field key=value passed to the tool (repeatable)")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory for the downloaded result (overrides config)")
	return cmd
}

type downloader interface {
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

type uploader interface {
	Upload(tool, path string, fields map[string]string) task.SubmitFunc
}

type runner struct {
	tracker *task.Tracker
	api     interface {
		uploader
		downloader
	}
	render    renderer
	out       io.Writer
	outputDir string
}

func (r runner) run(ctx context.Context, tool, path string, fields map[string]string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	r.tracker.SetBaseContext(ctx)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	changed := make(chan struct{}, 1)
	unobserve := r.tracker.Observe(func(task.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unobserve()

	if err := r.tracker.StartTask(sigCtx, r.api.Upload(tool, path, fields)); err != nil {
		r.render.Finish(r.tracker.State())
		return err
	}

	state := r.tracker.State()
	for state.IsLoading() {
		r.render.Update(state)
		select {
		case <-changed:
		case <-sigCtx.Done():
			log.Warn().Str("task_id", state.TaskID).Msg("interrupted, cancelling task")
			r.tracker.Cancel(context.WithoutCancel(ctx))
		}
		state = r.tracker.State()
	}
	r.render.Finish(state)

	switch {
	case state.IsCompleted():
		return r.collect(ctx, tool, path, state)
	case state.IsError():
		return fmt.Errorf("task %s failed: %s", state.TaskID, state.Err)
	default:
		return context.Canceled
	}
}

// collect downloads the result next to a JSON manifest describing it.
func (r runner) collect(ctx context.Context, tool, input string, state task.State) error {
	res := state.Result
	if res == nil {
		return errors.New("completed without a result")
	}
	if !res.Success {
		log.Warn().Str("task_id", state.TaskID).Msg("backend reported an unsuccessful result")
	}

	name := fileutil.SafeName(res.Filename, tool+"-"+state.TaskID)
	m := newManifest(state.TaskID, tool, input, res)
	if res.DownloadURL != "" {
		dest := filepath.Join(r.outputDir, name)
		n, err := r.api.Download(ctx, res.DownloadURL, dest)
		if err != nil {
			return fmt.Errorf("download result: %w", err)
		}
		m.Output, m.Bytes = dest, n
	}
	manifestPath := filepath.Join(r.outputDir, name+".result.json")
	if err := fileutil.WriteJSONAtomic(manifestPath, m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	fmt.Fprintln(r.out, summary(m, res))
	return nil
}

func summary(m manifest, res *stream.Result) string {
	line := "done: " + m.Input
	if m.Output != "" {
		line += " -> " + m.Output + " (" + humanize.Bytes(uint64(max(m.Bytes, 0))) + ")"
	}
	if res.OriginalSize != nil && res.ProcessedSize != nil && *res.OriginalSize > 0 {
		ratio := float64(*res.ProcessedSize) / float64(*res.OriginalSize) * 100
		line += fmt.Sprintf(", %s of original", humanize.FtoaWithDigits(ratio, 1)+"%")
	}
	return line
}
