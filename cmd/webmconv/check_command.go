package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"media-converter/internal/transcoder"
)

// versionChecker is the part of the process encoder check needs.
type versionChecker interface {
	Binary() string
	Available() error
	Version(ctx context.Context) (string, error)
}

func newCheckCommand(flags *encoderFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Show which conversion strategies are usable on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := checkRows(cmd.Context(), flags.processEncoder(), !flags.noLibrary, transcoder.LibraryAvailable())
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Strategy", "Status", "Detail"}, rows))
			return nil
		},
	}
}

// checkRows lists the chain in attempt order.
func checkRows(ctx context.Context, enc versionChecker, libraryEnabled bool, libraryErr error) [][]string {
	rows := make([][]string, 0, 3)

	if err := enc.Available(); err != nil {
		rows = append(rows, []string{enc.Binary(), "unavailable", err.Error()})
	} else {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		version, err := enc.Version(vctx)
		cancel()
		if err != nil {
			rows = append(rows, []string{enc.Binary(), "unavailable", err.Error()})
		} else {
			rows = append(rows, []string{enc.Binary(), "ok", version})
		}
	}

	switch {
	case !libraryEnabled:
		rows = append(rows, []string{"library", "disabled", "--no-library"})
	case libraryErr != nil:
		rows = append(rows, []string{"library", "unavailable", libraryErr.Error()})
	default:
		rows = append(rows, []string{"library", "ok", "VP9 and Vorbis encoders found"})
	}

	return append(rows, []string{"copy", "ok", "always available"})
}
