package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// NewEntityCommand creates the entity command.
func NewEntityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "entity <entity-id>",
		Short: "Show an entity snapshot and its provenance",
		Long: `Show the current snapshot of an entity.

Each field lists the merge policy that chose its value and the
observations behind it, in reduction order, with the source each
observation came from.

Example:
  truth entity 7a1c...
  truth entity 7a1c... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, rootOpts, func(s *session) error {
				view, err := s.engine.GetEntity(s.ctx, args[0])
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(view)
				}
				printEntityView(s.out.Writer, view, s.out.Verbose)
				return nil
			})
		},
	}
}

func printEntityView(w io.Writer, view engine.EntityView, verbose bool) {
	snap := view.Snapshot
	fmt.Fprintf(w, "entity %s (%s v%d)\n", snap.EntityID, snap.EntityType, snap.SchemaVersion)
	fmt.Fprintf(w, "  hash %s, computed %s\n", snap.Hash, ir.FormatTime(snap.ComputedAt))
	for _, fp := range view.Provenance {
		fmt.Fprintf(w, "  %s = %s  [%s; %d observation(s)]\n",
			fp.Field, ir.Text(fp.Value), fp.Policy, len(fp.Observations))
		if !verbose {
			continue
		}
		for _, obs := range fp.Observations {
			fmt.Fprintf(w, "      %s %s = %s (source %s, priority %d, specificity %d)\n",
				obs.Kind, obs.ID, ir.Text(obs.Value), obs.SourceID, obs.SourcePriority, obs.SpecificityScore)
		}
	}
	fmt.Fprintf(w, "  %d source(s)\n", len(view.Sources))
}

// NewObservationsCommand creates the observations command.
func NewObservationsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "observations <entity-id>",
		Short: "List every observation of an entity",
		Long: `List the observations of an entity in reduction order.

Example:
  truth observations 7a1c...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, rootOpts, func(s *session) error {
				observations, err := s.engine.ListObservations(s.ctx, args[0])
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(observations)
				}
				for _, obs := range observations {
					fmt.Fprintf(s.out.Writer, "%s %s %s = %s (source %s, priority %d, specificity %d, %s)\n",
						obs.ID, obs.Kind, obs.Field, ir.Text(obs.Value),
						obs.SourceID, obs.SourcePriority, obs.SpecificityScore, ir.FormatTime(obs.ObservedAt))
				}
				return nil
			})
		},
	}
}

// RelationshipsOptions holds flags for the relationships command.
type RelationshipsOptions struct {
	*RootOptions
	Direction      string
	Types          []string
	IncludeDeleted bool
}

// NewRelationshipsCommand creates the relationships command.
func NewRelationshipsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelationshipsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relationships <entity-id>",
		Short: "List the relationships touching an entity",
		Long: `List relationship snapshots with the entity at either end.

Example:
  truth relationships 7a1c...
  truth relationships 7a1c... --direction outgoing --type PART_OF --include-deleted`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				rels, err := s.engine.ListRelationships(s.ctx, store.RelationshipFilter{
					EntityID:       args[0],
					Direction:      store.Direction(opts.Direction),
					Types:          opts.Types,
					IncludeDeleted: opts.IncludeDeleted,
				})
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(rels)
				}
				for _, rel := range rels {
					state := ""
					if rel.Deleted {
						state = " (deleted)"
					}
					fmt.Fprintf(s.out.Writer, "%s %s -[%s]-> %s%s\n",
						rel.ID, rel.SourceEntityID, rel.RelationshipType, rel.TargetEntityID, state)
					printFields(s.out.Writer, "  ", rel.Metadata)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", "both", "outgoing, incoming or both")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "relationship types to include (repeatable)")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include retracted edges")

	return cmd
}

// TimelineOptions holds flags for the timeline command.
type TimelineOptions struct {
	*RootOptions
	EntityID   string
	EventTypes []string
	From       string
	To         string
	Limit      int
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TimelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "List dated events derived from entity snapshots",
		Long: `List timeline events in date order.

Events are projected from the date and datetime fields of entity
snapshots; their type is <entity_type>.<field>. --from and --to are
inclusive and accept dates or RFC 3339 timestamps.

Example:
  truth timeline --entity 7a1c...
  truth timeline --type event.start_date --from 2025-01-01 --to 2025-12-31`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				events, err := s.engine.ListTimeline(s.ctx, store.TimelineFilter{
					EntityID:   opts.EntityID,
					EventTypes: opts.EventTypes,
					From:       opts.From,
					To:         opts.To,
					Limit:      opts.Limit,
				})
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(events)
				}
				for _, ev := range events {
					fmt.Fprintf(s.out.Writer, "%s %s %s (%s)\n",
						ev.EventDate, ev.EventType, ev.EntityID, strings.Join(ev.SourceObservationIDs, ", "))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "only events of this entity")
	cmd.Flags().StringSliceVar(&opts.EventTypes, "type", nil, "event types to include (repeatable)")
	cmd.Flags().StringVar(&opts.From, "from", "", "earliest event date (inclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "latest event date (inclusive)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = no limit)")

	return cmd
}

// SourceOptions holds flags for the source command.
type SourceOptions struct {
	*RootOptions
	Content bool
}

// NewSourceCommand creates the source command.
func NewSourceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SourceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "source <source-id>",
		Short: "Show a source, its runs and its raw fragments",
		Long: `Show a stored source with its interpretation runs and the raw
fragments preserved from it. --content writes the raw bytes instead.

Example:
  truth source 3f2c...
  truth source 3f2c... --content > original.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				if opts.Content {
					data, err := s.engine.ReadSource(s.ctx, args[0])
					if err != nil {
						return s.out.Fail(err)
					}
					_, err = s.out.Writer.Write(data)
					return err
				}

				view, err := s.engine.GetSource(s.ctx, args[0])
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(view)
				}
				printSourceView(s.out.Writer, view)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Content, "content", false, "write the raw content to stdout")

	return cmd
}

func printSourceView(w io.Writer, view engine.SourceView) {
	src := view.Source
	fmt.Fprintf(w, "source %s\n", src.ID)
	fmt.Fprintf(w, "  caller %s, key %s\n", src.CallerID, src.IdempotencyKey)
	fmt.Fprintf(w, "  %s, %d bytes, %s\n", src.MimeType, src.Size, src.ContentHash)
	if src.FileName != "" {
		fmt.Fprintf(w, "  file %s\n", src.FileName)
	}
	fmt.Fprintf(w, "  %d observation(s)\n", view.Observations)
	for _, run := range view.Runs {
		fmt.Fprintf(w, "  run %s: %s via %s (%s)\n", run.ID, run.Status, run.Extractor, run.Trigger)
		if run.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", run.Error)
		}
	}
	for _, frag := range view.Fragments {
		fmt.Fprintf(w, "  fragment %s = %s (%s)\n", frag.RawKey, ir.Text(frag.RawValue), frag.Reason)
	}
}
