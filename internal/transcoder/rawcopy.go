package transcoder

import (
	"context"
	"fmt"
	"io"
	"os"

	"media-converter/internal/logging"
)

// RawCopy copies the input unchanged to the output path. The result carries
// the .webm name but is not transcoded.
type RawCopy struct{}

// NewRawCopy creates the last-resort strategy.
func NewRawCopy() *RawCopy {
	return &RawCopy{}
}

// Name implements Strategy.
func (RawCopy) Name() string {
	return "copy"
}

// Convert implements Strategy.
func (r RawCopy) Convert(ctx context.Context, input, output, jobID string, emit EmitFunc) error {
	if err := ctx.Err(); err != nil {
		return strategyErr(r.Name(), err)
	}

	src, err := os.Open(input)
	if err != nil {
		return strategyErr(r.Name(), fmt.Errorf("failed to open input: %w", err))
	}
	defer func() {
		if err := src.Close(); err != nil {
			logging.Warn("failed to close input %s: %v", input, err)
		}
	}()

	dst, err := os.Create(output)
	if err != nil {
		return strategyErr(r.Name(), fmt.Errorf("failed to create output: %w", err))
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return strategyErr(r.Name(), fmt.Errorf("failed to copy input: %w", err))
	}
	if err := dst.Close(); err != nil {
		return strategyErr(r.Name(), fmt.Errorf("failed to close output: %w", err))
	}

	logging.ForJob(jobID).Warn("Output is an untranscoded copy of the input (%d bytes)", n)
	emit(90, "Fallback copy completed")
	return nil
}
