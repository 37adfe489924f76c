package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
)

// StoreOptions holds flags for the store and correct commands.
type StoreOptions struct {
	*RootOptions
	Key  string
	Data string
	File string
}

// NewStoreCommand creates the store command.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	return newStructuredCommand(rootOpts, "store", "Store structured entities",
		`Store structured entity payloads as observations.

The payload is a JSON object (one entity), an array of objects, or an
object with an "entities" array. Every entity names its entity_type and
may carry entity_id, source_priority and specificity_score.

Repeating a request with the same --key returns the first result without
writing anything.

Example:
  truth store --key k1 --data '{"entity_type":"contact","email":"ada@example.com"}'
  truth store --key import-7 --file contacts.json
  cat contacts.json | truth store --key import-8 --file -`,
		func(s *session, req engine.StoreRequest) (engine.StoreResult, error) {
			return s.engine.Store(s.ctx, req)
		})
}

// NewCorrectCommand creates the correct command.
func NewCorrectCommand(rootOpts *RootOptions) *cobra.Command {
	return newStructuredCommand(rootOpts, "correct", "Correct fields of existing entities",
		`Store correction observations for existing entities.

Corrections carry the correction priority and maximal specificity, so they
win every merge policy except last_write against later input. Each
entity must already exist; name it with entity_id or its identity fields.

Example:
  truth correct --key fix-1 --data '{"entity_type":"contact","email":"ada@example.com","name":"Ada Lovelace"}'`,
		func(s *session, req engine.StoreRequest) (engine.StoreResult, error) {
			return s.engine.Correct(s.ctx, req)
		})
}

func newStructuredCommand(rootOpts *RootOptions, use, short, long string,
	call func(*session, engine.StoreRequest) (engine.StoreResult, error)) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd.InOrStdin(), opts.Data, opts.File)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read payload", err)
			}
			entities, err := parseEntities(raw)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid payload", err)
			}

			return runWithSession(cmd, opts.RootOptions, func(s *session) error {
				res, err := call(s, engine.StoreRequest{
					CallerID:       s.caller(),
					IdempotencyKey: opts.Key,
					Entities:       entities,
				})
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(res)
				}
				printStoreResult(s.out.Writer, res)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "inline JSON payload")
	cmd.Flags().StringVar(&opts.File, "file", "", "JSON payload file, or - for stdin")
	_ = cmd.MarkFlagRequired("key")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	cmd.MarkFlagsOneRequired("data", "file")

	return cmd
}

// readPayload returns the inline data, or the contents of file ("-" reads
// stdin).
func readPayload(stdin io.Reader, data, file string) ([]byte, error) {
	switch {
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, errors.New("one of --data or --file is required")
	}
}

// parseEntities accepts an entity object, an array of entity objects, or
// {"entities": [...]}.
func parseEntities(raw []byte) ([]ir.Object, error) {
	v, err := ir.ParseValue(raw)
	if err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	switch val := v.(type) {
	case ir.Object:
		if list, ok := val["entities"]; ok && len(val) == 1 {
			arr, ok := list.(ir.Array)
			if !ok {
				return nil, fmt.Errorf("entities must be an array, got %s", ir.Kind(list))
			}
			return objectsOf(arr)
		}
		return []ir.Object{val}, nil
	case ir.Array:
		return objectsOf(val)
	default:
		return nil, fmt.Errorf("payload must be an object or an array, got %s", ir.Kind(v))
	}
}

func objectsOf(arr ir.Array) ([]ir.Object, error) {
	if len(arr) == 0 {
		return nil, errors.New("no entities in payload")
	}
	out := make([]ir.Object, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("entities[%d] must be an object, got %s", i, ir.Kind(item))
		}
		out = append(out, obj)
	}
	return out, nil
}

func printStoreResult(w io.Writer, res engine.StoreResult) {
	fmt.Fprintf(w, "%s source %s\n", res.Outcome, res.SourceID)
	for _, ent := range res.Entities {
		printEntitySummary(w, ent)
	}
	if len(res.FragmentIDs) > 0 {
		fmt.Fprintf(w, "  %d raw fragment(s) preserved\n", len(res.FragmentIDs))
	}
}

func printEntitySummary(w io.Writer, ent engine.EntitySummary) {
	fmt.Fprintf(w, "  entity %s (%s v%d, %d observation(s))\n",
		ent.EntityID, ent.EntityType, ent.SchemaVersion, len(ent.ObservationIDs))
	printFields(w, "    ", ent.Fields)
}

func printFields(w io.Writer, indent string, fields ir.Object) {
	for _, name := range fields.SortedKeys() {
		fmt.Fprintf(w, "%s%s = %s\n", indent, name, ir.Text(fields[name]))
	}
}
