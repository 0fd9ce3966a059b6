package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"media-converter/internal/progress"
)

// reporter renders the progress events of one job.
type reporter interface {
	Report(ev progress.Event)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// barReporter draws a single progress bar. It is only used when one job runs
// at a time on an interactive terminal.
type barReporter struct {
	bar  *progressbar.ProgressBar
	out  io.Writer
	name string
}

func newBarReporter(out io.Writer, name string) *barReporter {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)
	return &barReporter{bar: bar, out: out, name: name}
}

func (b *barReporter) Report(ev progress.Event) {
	if ev.Message != "" {
		b.bar.Describe(fmt.Sprintf("%s: %s", b.name, ev.Message))
	}
	_ = b.bar.Set(ev.Percent)

	switch ev.Status {
	case progress.StatusComplete:
		_ = b.bar.Finish()
		fmt.Fprintln(b.out)
	case progress.StatusError:
		_ = b.bar.Exit()
		fmt.Fprintln(b.out)
	}
}

// lineReporter prints one line per change, for pipes, log files and
// concurrent jobs. Lines from different jobs share mu.
type lineReporter struct {
	mu   *sync.Mutex
	out  io.Writer
	name string

	lastPercent int
	lastMessage string
}

func newLineReporter(mu *sync.Mutex, out io.Writer, name string) *lineReporter {
	return &lineReporter{mu: mu, out: out, name: name, lastPercent: -1}
}

func (l *lineReporter) Report(ev progress.Event) {
	if ev.Percent == l.lastPercent && ev.Message == l.lastMessage && !ev.Status.IsTerminal() {
		return
	}
	l.lastPercent = ev.Percent
	l.lastMessage = ev.Message

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s  %3d%%  %-10s  %s\n", l.name, ev.Percent, ev.Status, ev.Message)
}
