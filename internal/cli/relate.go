package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
)

// RelateOptions holds flags for the relate subcommands.
type RelateOptions struct {
	*RootOptions
	Key      string
	Type     string
	From     string
	To       string
	Metadata string
}

// NewRelateCommand creates the relate command and its create, delete and
// restore subcommands.
func NewRelateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relate",
		Short: "Create, delete or restore typed relationships",
		Long: `Manage typed edges between entities.

Supported types: PART_OF, CORRECTS, REFERS_TO, SETTLES, DUPLICATE_OF,
DEPENDS_ON, SUPERSEDES, EMBEDS. An edge is identified by its type and its
two endpoints. Deleting appends a tombstone observation; restoring
appends a live one. Nothing is ever removed.

Example:
  truth relate create --type PART_OF --from 7a1c... --to 9e02...
  truth relate delete --type PART_OF --from 7a1c... --to 9e02... --key d1`,
	}

	cmd.AddCommand(newRelateSubcommand(rootOpts, "create", "Assert an edge",
		func(s *session, req engine.RelationshipRequest) (engine.RelationshipResult, error) {
			return s.engine.CreateRelationship(s.ctx, req)
		}))
	cmd.AddCommand(newRelateSubcommand(rootOpts, "delete", "Retract an edge",
		func(s *session, req engine.RelationshipRequest) (engine.RelationshipResult, error) {
			return s.engine.DeleteRelationship(s.ctx, req)
		}))
	cmd.AddCommand(newRelateSubcommand(rootOpts, "restore", "Restore a retracted edge",
		func(s *session, req engine.RelationshipRequest) (engine.RelationshipResult, error) {
			return s.engine.RestoreRelationship(s.ctx, req)
		}))

	return cmd
}

func newRelateSubcommand(rootOpts *RootOptions, use, short string,
	call func(*session, engine.RelationshipRequest) (engine.RelationshipResult, error)) *cobra.Command {
	opts := &RelateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(opts.Metadata)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid metadata", err)
			}

			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				res, err := call(s, engine.RelationshipRequest{
					CallerID:         s.caller(),
					IdempotencyKey:   opts.Key,
					RelationshipType: opts.Type,
					SourceEntityID:   opts.From,
					TargetEntityID:   opts.To,
					Metadata:         metadata,
				})
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(res)
				}
				printRelationshipResult(s.out.Writer, res)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "relationship type (required)")
	cmd.Flags().StringVar(&opts.From, "from", "", "source entity id (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "target entity id (required)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (default: generated, never deduplicated)")
	cmd.Flags().StringVar(&opts.Metadata, "meta", "", "JSON object of edge metadata")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func parseMetadata(raw string) (ir.Object, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := ir.ParseValue([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("metadata must be an object, got %s", ir.Kind(v))
	}
	return obj, nil
}

func printRelationshipResult(w io.Writer, res engine.RelationshipResult) {
	state := "live"
	if res.Deleted {
		state = "deleted"
	}
	fmt.Fprintf(w, "%s relationship %s (%s, %d observation(s))\n",
		res.Outcome, res.RelationshipID, state, len(res.ContributingObservationIDs))
	fmt.Fprintf(w, "  key %s, source %s\n", res.IdempotencyKey, res.SourceID)
	printFields(w, "  ", res.Metadata)
}
