package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"media-converter/internal/conversion"
	"media-converter/internal/progress"
	"media-converter/internal/storage"
	"media-converter/internal/workers"
)

// convertResult is one row of the summary table.
type convertResult struct {
	input  string
	jobID  string
	output string
	err    error
}

type convertOptions struct {
	jobID     string
	outputDir string
	jobs      int
}

func newConvertCommand(flags *encoderFlags) *cobra.Command {
	opts := &convertOptions{}

	cmd := &cobra.Command{
		Use:   "convert <file>...",
		Short: "Convert files to WebM, falling back through the encoder chain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jobID != "" && len(args) > 1 {
				return errors.New("--job-id can only be used with a single file")
			}
			results, err := runConvert(cmd.Context(), cmd.OutOrStdout(), flags, opts, args)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderResults(results))

			failed := 0
			for _, r := range results {
				if r.err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d conversions failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.jobID, "job-id", "", "Job id for a single file (generated when empty)")
	cmd.Flags().StringVarP(&opts.outputDir, "output-dir", "o", ".", "Directory the WebM files are written to")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "Conversions to run at once (0 to size by CPU and threads)")

	return cmd
}

func runConvert(ctx context.Context, out io.Writer, flags *encoderFlags, opts *convertOptions, inputs []string) ([]convertResult, error) {
	store, err := storage.New(flags.dataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	hub := progress.NewHub(256)
	encoder := flags.processEncoder()
	defer encoder.Cleanup()
	orch := conversion.New(store, progress.NewChannel(hub), flags.strategies(encoder)...)

	limit := opts.jobs
	if limit <= 0 {
		limit = workers.ConcurrentJobs(workers.EncoderThreads(flags.threads), len(inputs))
	}
	useBar := limit == 1 && isTerminal(out)

	var outMu sync.Mutex
	results := make([]convertResult, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, input := range inputs {
		g.Go(func() error {
			var rep reporter
			if useBar {
				rep = newBarReporter(out, filepath.Base(input))
			} else {
				rep = newLineReporter(&outMu, out, filepath.Base(input))
			}
			results[i] = convertFile(gctx, orch, store, hub, rep, input, opts.jobID, opts.outputDir)
			// A failed file does not stop the others; only cancellation does.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// convertFile converts one input while rendering its topic's events, then
// moves the result next to the other outputs.
func convertFile(ctx context.Context, orch *conversion.Orchestrator, store *storage.Store, hub *progress.Hub, rep reporter, input, clientID, outputDir string) convertResult {
	res := convertResult{input: input}

	jobID, err := conversion.ResolveJobID(clientID)
	if err != nil {
		res.err = err
		return res
	}
	res.jobID = jobID

	f, err := os.Open(input)
	if err != nil {
		res.err = err
		return res
	}
	defer f.Close()

	sub := hub.Subscribe(progress.Topic(jobID))
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		for ev := range sub.Events() {
			rep.Report(ev)
		}
	}()

	_, err = orch.Convert(ctx, f, filepath.Base(input), jobID)
	sub.Close()
	<-watched
	if err != nil {
		res.err = err
		return res
	}

	dest := filepath.Join(outputDir, outputFileName(input))
	if err := moveFile(store.OutputPath(jobID), dest); err != nil {
		res.err = err
		return res
	}
	res.output = dest
	return res
}

// outputFileName replaces the input's extension with .webm.
func outputFileName(input string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base)) + storage.OutputExt
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open converted file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to copy converted file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return os.Remove(src)
}
