package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"media-converter/internal/logging"
)

// progressEvery is the number of video frames between progress reports.
const progressEvery = 10

// MediaInfo describes the input as seen by a frame session.
type MediaInfo struct {
	Duration  time.Duration
	FrameRate float64
	Frames    int64
	Width     int
	Height    int
	HasAudio  bool
}

// TotalFrames returns the stream frame count when known, else an estimate
// from duration and frame rate.
func (m MediaInfo) TotalFrames() int64 {
	if m.Frames > 0 {
		return m.Frames
	}
	return int64(m.Duration.Seconds() * m.FrameRate)
}

// FrameSession is an open decode/encode pipeline between one input and one
// output file.
type FrameSession interface {
	Info() MediaInfo
	// Step processes the next input packet and returns the number of video
	// frames it produced. It returns io.EOF once the input is exhausted.
	Step() (int, error)
	// Finish flushes the encoders and finalizes the output container.
	Finish() error
	Close() error
}

// SessionOptions tunes a frame session.
type SessionOptions struct {
	Threads int
}

// SessionOpener opens a frame session.
type SessionOpener func(ctx context.Context, input, output string, opts SessionOptions) (FrameSession, error)

// LibraryEncoder converts in-process, frame by frame, to VP9 video and
// Vorbis audio in a WebM container.
type LibraryEncoder struct {
	open    SessionOpener
	threads int
}

// NewLibraryEncoder creates a LibraryEncoder backed by libav.
func NewLibraryEncoder(threads int) *LibraryEncoder {
	return NewLibraryEncoderWithOpener(openLibavSession, threads)
}

// NewLibraryEncoderWithOpener creates a LibraryEncoder using open to create
// its sessions.
func NewLibraryEncoderWithOpener(open SessionOpener, threads int) *LibraryEncoder {
	return &LibraryEncoder{open: open, threads: threads}
}

// Name implements Strategy.
func (l *LibraryEncoder) Name() string {
	return "library"
}

// Convert implements Strategy.
func (l *LibraryEncoder) Convert(ctx context.Context, input, output, jobID string, emit EmitFunc) error {
	log := logging.ForJob(jobID).With("strategy", l.Name())

	session, err := l.open(ctx, input, output, SessionOptions{Threads: l.threads})
	if err != nil {
		return strategyErr(l.Name(), fmt.Errorf("failed to open session: %w", err))
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			log.Warn("failed to close session: %v", closeErr)
		}
	}()

	info := session.Info()
	total := info.TotalFrames()
	log.Debug("Input %dx%d, %.3f fps, %s, ~%d frames", info.Width, info.Height, info.FrameRate, info.Duration, total)
	emit(40, "Library conversion started")

	var frames int64
	next := int64(progressEvery)
	for {
		if err := ctx.Err(); err != nil {
			return strategyErr(l.Name(), err)
		}

		n, stepErr := session.Step()
		frames += int64(n)
		if frames >= next {
			if total > 0 {
				emit(FramePercent(frames, total), fmt.Sprintf("Converting frame %d/%d", frames, total))
			}
			next = (frames/progressEvery + 1) * progressEvery
		}

		if errors.Is(stepErr, io.EOF) {
			break
		}
		if stepErr != nil {
			return strategyErr(l.Name(), fmt.Errorf("frame %d: %w", frames, stepErr))
		}
	}

	emit(90, "Finalizing conversion")
	if err := session.Finish(); err != nil {
		return strategyErr(l.Name(), fmt.Errorf("failed to finalize output: %w", err))
	}

	log.Info("Encoded %d video frames", frames)
	return nil
}
