package main

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"convertkit/internal/task"
)

// renderer shows task progress to the user.
type renderer interface {
	Update(task.State)
	Finish(task.State)
}

func newRenderer(w io.Writer) renderer { //nolint:ireturn
	if isTerminal(w) {
		return newBarRenderer(w)
	}
	return &logRenderer{}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type barRenderer struct {
	bar *progressbar.ProgressBar
}

func newBarRenderer(w io.Writer) *barRenderer {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription(task.MessageUploading),
	)
	return &barRenderer{bar: bar}
}

func (b *barRenderer) Update(s task.State) {
	b.bar.Describe(s.Message)
	_ = b.bar.Set(barValue(s.Progress))
}

func (b *barRenderer) Finish(s task.State) {
	if s.IsCompleted() {
		_ = b.bar.Finish()
	} else {
		_ = b.bar.Clear()
	}
	logOutcome(s)
}

// barValue keeps out-of-range server values inside the bar's bounds. The
// tracked state itself is left as reported.
func barValue(p int) int {
	return min(max(p, 0), 100)
}

// logRenderer prints one line per change when stderr is not a terminal.
type logRenderer struct {
	last task.State
	seen bool
}

func (l *logRenderer) Update(s task.State) {
	if l.seen && s.Status == l.last.Status && s.Progress == l.last.Progress && s.Message == l.last.Message {
		return
	}
	l.last, l.seen = s, true
	log.Info().Str("task_id", s.TaskID).Str("status", string(s.Status)).Int("progress", s.Progress).Msg(s.Message)
}

func (l *logRenderer) Finish(s task.State) {
	logOutcome(s)
}

func logOutcome(s task.State) {
	switch {
	case s.IsCompleted():
		log.Info().Str("task_id", s.TaskID).Msg("task completed")
	case s.IsError():
		log.Error().Str("task_id", s.TaskID).Str("error", s.Err).Msg("task failed")
	case s.Message == task.MessageCancelled:
		log.Warn().Msg("task cancelled")
	}
}
