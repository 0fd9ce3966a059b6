package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"media-converter/internal/transcoder"
)

const probeTimeout = 30 * time.Second

// prober is the part of the process encoder probe needs.
type prober interface {
	Probe(ctx context.Context, input string) (time.Duration, error)
}

func newProbeCommand(flags *encoderFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>...",
		Short: "Report the duration the encoder reads from each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := flags.processEncoder()
			if err := enc.Available(); err != nil {
				return fmt.Errorf("%s is not usable: %w", enc.Binary(), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"File", "Duration"}, probeRows(cmd.Context(), enc, args), 2))
			return nil
		},
	}
}

func probeRows(ctx context.Context, p prober, inputs []string) [][]string {
	rows := make([][]string, 0, len(inputs))
	for _, input := range inputs {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		d, err := p.Probe(pctx, input)
		cancel()

		value := transcoder.FormatClock(d)
		switch {
		case errors.Is(err, transcoder.ErrDurationUnknown):
			value = "unknown"
		case err != nil:
			value = err.Error()
		}
		rows = append(rows, []string{filepath.Base(input), value})
	}
	return rows
}
