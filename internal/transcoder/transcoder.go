package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"media-converter/internal/logging"
)

// DefaultBinary is the encoder executable looked up on PATH.
const DefaultBinary = "ffmpeg"

// diagnosticTail is the number of non-progress output lines kept for error
// reporting.
const diagnosticTail = 20

// ErrDurationUnknown is returned by Probe when the input's duration could
// not be read from the encoder output.
var ErrDurationUnknown = errors.New("duration unknown")

// ProcessEncoder converts by running the external encoder binary and
// following its -progress output.
type ProcessEncoder struct {
	binary  string
	parser  ProgressParser
	timeout time.Duration
	threads int

	processes map[string]*exec.Cmd
	processMu sync.Mutex
}

// ProcessOptions configures a ProcessEncoder. Zero values select defaults.
type ProcessOptions struct {
	Binary  string
	Timeout time.Duration
	Threads int
	Parser  ProgressParser
}

// NewProcessEncoder creates a ProcessEncoder.
func NewProcessEncoder(opts ProcessOptions) *ProcessEncoder {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Parser == nil {
		opts.Parser = FFmpegParser{}
	}
	return &ProcessEncoder{
		binary:    opts.Binary,
		parser:    opts.Parser,
		timeout:   opts.Timeout,
		threads:   opts.Threads,
		processes: make(map[string]*exec.Cmd),
	}
}

// Name implements Strategy.
func (p *ProcessEncoder) Name() string {
	return "ffmpeg"
}

// Binary returns the configured encoder executable.
func (p *ProcessEncoder) Binary() string {
	return p.binary
}

// Available reports whether the encoder binary can be found.
func (p *ProcessEncoder) Available() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoderUnavailable, p.binary, err)
	}
	return nil
}

// Version runs "<binary> -version" and returns the first line of output.
func (p *ProcessEncoder) Version(ctx context.Context) (string, error) {
	if err := p.Available(); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, p.binary, "-version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s -version failed: %w - %s", p.binary, err, strings.TrimSpace(stderr.String()))
	}

	line, _, _ := strings.Cut(stdout.String(), "\n")
	return strings.TrimSpace(line), nil
}

// Probe reads the input's duration from the encoder's diagnostic output.
// The encoder exits non-zero when given no output file, so the exit status
// is ignored as long as a duration line was printed.
func (p *ProcessEncoder) Probe(ctx context.Context, input string) (time.Duration, error) {
	if err := p.Available(); err != nil {
		return 0, err
	}

	cmd := exec.CommandContext(ctx, p.binary, "-hide_banner", "-i", input)
	cmd.WaitDelay = 5 * time.Second
	output, runErr := cmd.CombinedOutput()

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if d, ok := p.parser.Duration(scanner.Text()); ok {
			return d, nil
		}
	}

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return 0, fmt.Errorf("failed to probe %s: %w", input, runErr)
	}
	return 0, ErrDurationUnknown
}

// buildArgs returns the encoder arguments for a WebM conversion.
func (p *ProcessEncoder) buildArgs(input, output string) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-c:v", "libvpx-vp9",
		"-crf", "30",
		"-b:v", "0",
		"-c:a", "libopus",
	}
	if p.threads > 0 {
		args = append(args, "-threads", strconv.Itoa(p.threads))
	}
	return append(args, "-progress", "pipe:1", output)
}

// Convert implements Strategy.
func (p *ProcessEncoder) Convert(ctx context.Context, input, output, jobID string, emit EmitFunc) error {
	log := logging.ForJob(jobID).With("strategy", p.Name())

	if err := p.Available(); err != nil {
		return strategyErr(p.Name(), err)
	}

	// the deadline covers the duration lookup as well as the encode
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	total, err := p.Probe(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return strategyErr(p.Name(), fmt.Errorf("duration lookup of %s aborted: %w", input, ctx.Err()))
		}
		log.Warn("Could not determine duration of %s: %v", input, err)
	}
	emit(5, "FFmpeg available, starting conversion")

	cmd := exec.CommandContext(ctx, p.binary, p.buildArgs(input, output)...)
	cmd.WaitDelay = 5 * time.Second

	// stdout and stderr share one pipe
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	log.Debug("Running %s %s", p.binary, strings.Join(cmd.Args[1:], " "))
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return strategyErr(p.Name(), fmt.Errorf("failed to start %s: %w", p.binary, err))
	}
	p.track(jobID, cmd)
	defer p.untrack(jobID)

	tail := newLineTail(diagnosticTail)
	totalClock := FormatClock(total)
	last := 5

	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if current, ok := p.parser.OutTime(line); ok {
				if pct := EncodePercent(current, total); pct > last {
					last = pct
					emit(pct, fmt.Sprintf("FFmpeg converting: %s / %s", FormatClock(current), totalClock))
				}
				continue
			}
			if !isProgressField(line) {
				tail.add(line)
			}
		}
		scanErr := scanner.Err()
		// keep draining so the encoder never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
		return scanErr
	})
	g.Go(func() error {
		err := cmd.Wait()
		_ = pw.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return strategyErr(p.Name(), fmt.Errorf("encoder stopped: %w", ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Debug("Encoder output:\n%s", tail.String())
			return strategyErr(p.Name(), fmt.Errorf("conversion failed with exit code %d: %s", exitErr.ExitCode(), tail.last()))
		}
		return strategyErr(p.Name(), err)
	}

	emit(90, "FFmpeg conversion completed")
	return nil
}

// isProgressField reports whether a line belongs to the -progress key=value
// stream rather than the encoder's diagnostics.
func isProgressField(line string) bool {
	key, _, ok := strings.Cut(line, "=")
	return ok && key != "" && !strings.ContainsAny(key, " \t:")
}

func (p *ProcessEncoder) track(jobID string, cmd *exec.Cmd) {
	p.processMu.Lock()
	p.processes[jobID] = cmd
	p.processMu.Unlock()
}

func (p *ProcessEncoder) untrack(jobID string) {
	p.processMu.Lock()
	delete(p.processes, jobID)
	p.processMu.Unlock()
}

// Running returns the number of encoder processes currently tracked.
func (p *ProcessEncoder) Running() int {
	p.processMu.Lock()
	defer p.processMu.Unlock()
	return len(p.processes)
}

// Cleanup kills every running encoder process.
func (p *ProcessEncoder) Cleanup() {
	p.processMu.Lock()
	defer p.processMu.Unlock()

	for jobID, cmd := range p.processes {
		if cmd.Process != nil {
			logging.Info("Killing encoder process for job: %s", jobID)
			if err := cmd.Process.Kill(); err != nil {
				logging.Warn("failed to kill encoder process for job %s: %v", jobID, err)
			}
		}
	}
}

// lineTail keeps the most recent lines of output.
type lineTail struct {
	lines []string
	size  int
}

func newLineTail(size int) *lineTail {
	return &lineTail{size: size}
}

func (t *lineTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.size {
		t.lines = t.lines[len(t.lines)-t.size:]
	}
}

func (t *lineTail) last() string {
	if len(t.lines) == 0 {
		return "no output"
	}
	return t.lines[len(t.lines)-1]
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, "\n")
}
