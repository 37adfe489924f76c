package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/compiler"
	"github.com/roach88/truthlayer/internal/ir"
)

// SchemaValidation is the result of schema validate.
type SchemaValidation struct {
	Valid   bool                  `json:"valid"`
	Schemas []ir.SchemaDefinition `json:"schemas,omitempty"`
	Error   *SchemaError          `json:"error,omitempty"`
}

// SchemaError locates a schema compile error.
type SchemaError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewSchemaCommand creates the schema command and its subcommands.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and manage entity schemas",
		Long: `Inspect and manage versioned entity schemas.

Schemas are CUE files of the form

  schema: contact: {
    version:  2
    identity: ["email"]
    fields: {
      email: {type: "string", required: true}
      name:  {type: "string", policy: "highest_priority"}
    }
  }

Versions are append-only. Exactly one version per entity type is active;
entities keep the version they were reduced with until they next change.`,
	}

	cmd.AddCommand(newSchemaListCommand(rootOpts))
	cmd.AddCommand(newSchemaGetCommand(rootOpts))
	cmd.AddCommand(newSchemaLoadCommand(rootOpts))
	cmd.AddCommand(newSchemaActivateCommand(rootOpts))
	cmd.AddCommand(newSchemaPromoteCommand(rootOpts))
	cmd.AddCommand(newSchemaValidateCommand(rootOpts))

	return cmd
}

func newSchemaListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the active schema of every entity type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, rootOpts, func(s *session) error {
				defs, err := s.engine.ListSchemas(s.ctx)
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(defs)
				}
				for _, def := range defs {
					printSchemaLine(s.out.Writer, def)
				}
				return nil
			})
		},
	}
}

func newSchemaGetCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		version int
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "get <entity-type>",
		Short: "Show one schema version",
		Long: `Show the active version of an entity type, a given --version, or
every version with --all.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, rootOpts, func(s *session) error {
				var defs []ir.SchemaDefinition
				if all {
					versions, err := s.engine.SchemaVersions(s.ctx, args[0])
					if err != nil {
						return s.out.Fail(err)
					}
					defs = versions
				} else {
					def, err := s.engine.GetSchema(s.ctx, args[0], version)
					if err != nil {
						return s.out.Fail(err)
					}
					defs = []ir.SchemaDefinition{def}
				}

				if s.out.JSON() {
					if all {
						return s.out.Success(defs)
					}
					return s.out.Success(defs[0])
				}
				for _, def := range defs {
					printSchema(s.out.Writer, def)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "schema version (default: active)")
	cmd.Flags().BoolVar(&all, "all", false, "show every version")
	cmd.MarkFlagsMutuallyExclusive("version", "all")

	return cmd
}

func newSchemaLoadCommand(rootOpts *RootOptions) *cobra.Command {
	var noActivate bool

	cmd := &cobra.Command{
		Use:   "load <file-or-dir>",
		Short: "Register schemas from CUE files",
		Long: `Register the schemas declared in a .cue file or a directory of them.

Each version newer than its type's active version is activated unless
--no-activate is given. Loading the same files again changes nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := compilePath(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to compile schemas", err)
			}

			return runWithSession(cmd, rootOpts, func(s *session) error {
				if noActivate {
					for _, def := range defs {
						if err := s.engine.RegisterSchema(s.ctx, def); err != nil {
							return s.out.Fail(err)
						}
					}
					if s.out.JSON() {
						return s.out.Success(map[string]any{"registered": defs})
					}
					fmt.Fprintf(s.out.Writer, "registered %d schema version(s)\n", len(defs))
					return nil
				}

				res, err := s.engine.LoadSchemas(s.ctx, defs)
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(map[string]any{
						"registered": res.Registered,
						"activated":  res.Activated,
					})
				}
				fmt.Fprintf(s.out.Writer, "registered %d, activated %d schema version(s)\n",
					len(res.Registered), len(res.Activated))
				for _, def := range res.Activated {
					printSchemaLine(s.out.Writer, def)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noActivate, "no-activate", false, "register without activating")

	return cmd
}

func newSchemaActivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "activate <entity-type> <version>",
		Short:         "Make a registered version the active one",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid version", err)
			}

			return runWithSession(cmd, rootOpts, func(s *session) error {
				if err := s.engine.ActivateSchema(s.ctx, args[0], version); err != nil {
					return s.out.Fail(err)
				}
				def, err := s.engine.GetSchema(s.ctx, args[0], 0)
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(def)
				}
				printSchemaLine(s.out.Writer, def)
				return nil
			})
		},
	}
}

func newSchemaPromoteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <entity-type>",
		Short: "Turn an inferred schema into a curated version",
		Long: `Register the active inferred schema of an entity type as the next,
non-inferred version and activate it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSession(cmd, rootOpts, func(s *session) error {
				def, err := s.engine.PromoteSchema(s.ctx, args[0])
				if err != nil {
					return s.out.Fail(err)
				}
				if s.out.JSON() {
					return s.out.Success(def)
				}
				printSchema(s.out.Writer, def)
				return nil
			})
		},
	}
}

func newSchemaValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>",
		Short: "Compile schema files without touching a database",
		Args:  cobra.ExactArgs(1),
		// Don't print usage or errors; validation output is our own
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd, rootOpts)

			defs, err := compilePath(args[0])
			if err != nil {
				result := SchemaValidation{Valid: false, Error: schemaError(err)}
				if formatter.JSON() {
					if writeErr := formatter.Success(result); writeErr != nil {
						return writeErr
					}
				} else {
					fmt.Fprintf(formatter.Writer, "invalid: %s\n", err)
				}
				return &ExitError{Code: ExitFailure, Message: "schema validation failed", Err: err, Reported: true}
			}

			formatter.VerboseLog("compiled %d schema version(s) from %s", len(defs), args[0])
			if formatter.JSON() {
				return formatter.Success(SchemaValidation{Valid: true, Schemas: defs})
			}
			fmt.Fprintf(formatter.Writer, "valid: %d schema version(s)\n", len(defs))
			for _, def := range defs {
				printSchemaLine(formatter.Writer, def)
			}
			return nil
		},
	}
}

// compilePath compiles a .cue file or every .cue file in a directory.
func compilePath(path string) ([]ir.SchemaDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return compiler.CompileDir(path)
	}
	return compiler.CompileFile(path)
}

func schemaError(err error) *SchemaError {
	var cErr *compiler.CompileError
	if errors.As(err, &cErr) {
		out := &SchemaError{Field: cErr.Field, Message: cErr.Message}
		if cErr.Pos.IsValid() {
			out.File = cErr.Pos.Filename()
			out.Line = cErr.Pos.Line()
		}
		return out
	}
	return &SchemaError{Message: err.Error()}
}

func printSchemaLine(w io.Writer, def ir.SchemaDefinition) {
	origin := "declared"
	if def.Inferred {
		origin = "inferred"
	}
	fmt.Fprintf(w, "%s v%d (%s, %d field(s))\n", def.EntityType, def.Version, origin, len(def.Fields))
}

func printSchema(w io.Writer, def ir.SchemaDefinition) {
	printSchemaLine(w, def)
	if def.Description != "" {
		fmt.Fprintf(w, "  %s\n", def.Description)
	}
	if len(def.Identity) > 0 {
		fmt.Fprintf(w, "  identity: %v\n", def.Identity)
	}
	for _, f := range def.Fields {
		required := ""
		if f.Required {
			required = ", required"
		}
		fmt.Fprintf(w, "  %s: %s (%s%s)\n", f.Name, f.Type, f.Policy, required)
	}
}
