package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"media-converter/internal/logging"
	"media-converter/internal/transcoder"
	"media-converter/internal/workers"
)

// encoderFlags configures the strategy chain shared by every subcommand.
type encoderFlags struct {
	dataDir   string
	binary    string
	timeout   time.Duration
	threads   int
	noLibrary bool
	verbose   bool
}

func (f *encoderFlags) processEncoder() *transcoder.ProcessEncoder {
	return transcoder.NewProcessEncoder(transcoder.ProcessOptions{
		Binary:  f.binary,
		Timeout: f.timeout,
		Threads: workers.EncoderThreads(f.threads),
	})
}

// strategies returns the fallback chain in attempt order.
func (f *encoderFlags) strategies(enc *transcoder.ProcessEncoder) []transcoder.Strategy {
	chain := []transcoder.Strategy{enc}
	if !f.noLibrary {
		chain = append(chain, transcoder.NewLibraryEncoder(workers.EncoderThreads(f.threads)))
	}
	return append(chain, transcoder.NewRawCopy())
}

func defaultDataDir() string {
	return filepath.Join(os.TempDir(), "webmconv")
}

func newRootCommand() *cobra.Command {
	flags := &encoderFlags{}

	rootCmd := &cobra.Command{
		Use:           "webmconv",
		Short:         "Convert media files to WebM",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Progress goes to stdout; keep log lines to warnings unless asked.
			if flags.verbose {
				logging.SetLevel(logging.LevelDebug)
			} else if logging.GetLevel() < logging.LevelWarn {
				logging.SetLevel(logging.LevelWarn)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.dataDir, "data-dir", defaultDataDir(), "Working directory for staged and converted files")
	pf.StringVar(&flags.binary, "encoder", transcoder.DefaultBinary, "External encoder binary")
	pf.DurationVar(&flags.timeout, "timeout", 0, "Limit for a single encoder attempt (0 for none)")
	pf.IntVar(&flags.threads, "threads", 0, "Encoder threads per job (0 for one per CPU)")
	pf.BoolVar(&flags.noLibrary, "no-library", false, "Skip the library encoder fallback")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(newConvertCommand(flags))
	rootCmd.AddCommand(newProbeCommand(flags))
	rootCmd.AddCommand(newCheckCommand(flags))

	return rootCmd
}
