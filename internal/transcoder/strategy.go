package transcoder

import (
	"context"
	"errors"
	"fmt"
)

// ErrEncoderUnavailable indicates the encoder for a strategy is not installed
// or not usable on this host.
var ErrEncoderUnavailable = errors.New("encoder unavailable")

// EmitFunc reports intermediate progress for the current attempt.
type EmitFunc func(percent int, message string)

// Strategy is one way of producing a WebM file from an input file. A strategy
// writes the output, reports progress through emit, and returns an error if
// the attempt failed. It never publishes terminal events itself.
type Strategy interface {
	Name() string
	Convert(ctx context.Context, input, output, jobID string, emit EmitFunc) error
}

// StrategyError is a recoverable failure of a single strategy attempt.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

func strategyErr(name string, err error) error {
	if err == nil {
		return nil
	}
	var se *StrategyError
	if errors.As(err, &se) {
		return err
	}
	return &StrategyError{Strategy: name, Err: err}
}
