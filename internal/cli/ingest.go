package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/interpret"
)

// IngestOptions holds flags for the ingest and reinterpret commands.
type IngestOptions struct {
	*RootOptions
	Key        string
	File       string
	Name       string
	MimeType   string
	Interpret  bool
	EntityType string
	Confidence int
}

func (o *IngestOptions) config() interpret.Config {
	return interpret.Config{
		DefaultEntityType: o.EntityType,
		Confidence:        o.Confidence,
	}
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store a raw file as a source, optionally interpreting it",
		Long: `Store raw content as an immutable source.

Identical content stored by the same caller under a new key reuses the
existing blob. With --interpret an interpretation run extracts entities:
JSON and YAML documents, CSV rows and key: value text are supported. A
failed run is recorded and the source is kept.

Example:
  truth ingest --key u1 --file notes.json --interpret
  truth ingest --key u2 --file meeting.txt --interpret --type meeting
  cat scan.pdf | truth ingest --key u3 --file - --name scan.pdf`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.IngestRequest{
				IdempotencyKey: opts.Key,
				FileName:       opts.Name,
				MimeType:       opts.MimeType,
				Interpret:      opts.Interpret,
				Config:         opts.config(),
			}
			if opts.File == "-" {
				content, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read stdin", err)
				}
				req.Content = content
			} else {
				req.FilePath = opts.File
			}

			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				req.CallerID = s.caller()
				res, err := s.engine.Ingest(s.ctx, req)
				return reportIngest(s, res, err)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&opts.File, "file", "", "file to ingest, or - for stdin (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "file name recorded on the source (default: base name of --file)")
	cmd.Flags().StringVar(&opts.MimeType, "mime", "", "MIME type (default: detected from the file name)")
	cmd.Flags().BoolVar(&opts.Interpret, "interpret", false, "run an interpretation after storing")
	addInterpretFlags(cmd, opts)
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewReinterpretCommand creates the reinterpret command.
func NewReinterpretCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reinterpret <source-id>",
		Short: "Run a new interpretation over a stored source",
		Long: `Start a new interpretation run over an existing source.

Observations of earlier runs are kept; the new run's observations are
added and affected snapshots are recomputed.

Example:
  truth reinterpret --key r1 3f2c9a...
  truth reinterpret --key r2 --type note --confidence 80 3f2c9a...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				res, err := s.engine.Reinterpret(s.ctx, engine.ReinterpretRequest{
					CallerID:       s.caller(),
					IdempotencyKey: opts.Key,
					SourceID:       args[0],
					Config:         opts.config(),
				})
				return reportIngest(s, res, err)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	addInterpretFlags(cmd, opts)
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func addInterpretFlags(cmd *cobra.Command, opts *IngestOptions) {
	cmd.Flags().StringVar(&opts.EntityType, "type", "", "entity type for extracted groups that name none")
	cmd.Flags().IntVar(&opts.Confidence, "confidence", 0, "confidence (1-100) of extracted observations (default 100)")
}

// reportIngest prints res, or the error. A failed interpretation still
// printed its source so the caller can reinterpret it.
func reportIngest(s *session, res engine.IngestResult, err error) error {
	if err != nil {
		if res.SourceID != "" && !s.out.JSON() {
			printIngestResult(s.out.Writer, res)
		}
		return s.out.Fail(err)
	}
	if s.out.JSON() {
		return s.out.Success(res)
	}
	printIngestResult(s.out.Writer, res)
	return nil
}

func printIngestResult(w io.Writer, res engine.IngestResult) {
	fmt.Fprintf(w, "%s source %s (%s, %s)\n", res.Outcome, res.SourceID, res.MimeType, res.ContentHash)
	if res.ContentReused {
		fmt.Fprintln(w, "  content already stored; blob reused")
	}
	if run := res.Run; run != nil {
		fmt.Fprintf(w, "  run %s: %s via %s\n", run.ID, run.Status, run.Extractor)
		if run.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", run.Error)
		}
	}
	for _, ent := range res.Entities {
		printEntitySummary(w, ent)
	}
	if len(res.FragmentIDs) > 0 {
		fmt.Fprintf(w, "  %d raw fragment(s) preserved\n", len(res.FragmentIDs))
	}
}
