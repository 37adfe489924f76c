package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
)

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute every snapshot and verify determinism",
		Long: `Recompute every entity snapshot, relationship snapshot and timeline
projection from the stored observations and compare them with what is
stored. Nothing is written.

Exit codes:
  0 - Every projection matched
  1 - Mismatches found (determinism verification failed)
  2 - Command error (database not found, etc.)

Examples:
  truth replay --db ./truth.db
  truth replay --db ./truth.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, rootOpts, func(s *session) error {
				report, err := s.engine.Replay(s.ctx)
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return outputReplayJSON(s, report)
				}
				return outputReplayText(s, report)
			})
		},
	}

	return cmd
}

// outputReplayJSON outputs the replay report as JSON.
func outputReplayJSON(s *session, report engine.ReplayReport) error {
	if report.Mismatches == nil {
		report.Mismatches = []engine.Mismatch{}
	}
	response := CLIResponse{
		Status: "ok",
		Data:   report,
	}

	if !report.OK() {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "REPLAY_MISMATCH",
			Message: "determinism verification failed",
		}
	}

	encoder := json.NewEncoder(s.out.Writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !report.OK() {
		// Determinism failure = exit code 1
		return &ExitError{Code: ExitFailure, Message: "determinism verification failed", Reported: true}
	}
	return nil
}

// outputReplayText outputs the replay report as text.
func outputReplayText(s *session, report engine.ReplayReport) error {
	w := s.out.Writer

	fmt.Fprintf(w, "Replay Summary: %d entities, %d relationships\n", report.Entities, report.Relationships)
	fmt.Fprintln(w)

	for _, m := range report.Mismatches {
		fmt.Fprintf(w, "✗ %s %s\n", m.Kind, m.ID)
		if s.out.Verbose {
			fmt.Fprintf(w, "  stored:   %s\n", m.StoredHash)
			fmt.Fprintf(w, "  computed: %s\n", m.ComputedHash)
		}
		if m.Detail != "" {
			fmt.Fprintf(w, "  %s\n", m.Detail)
		}
	}

	if report.OK() {
		fmt.Fprintln(w, "✓ All projections verified deterministic")
		return nil
	}

	fmt.Fprintf(w, "\n✗ Determinism verification failed: %d mismatch(es)\n", len(report.Mismatches))
	// Determinism failure = exit code 1
	return &ExitError{Code: ExitFailure, Message: "determinism verification failed", Reported: true}
}
