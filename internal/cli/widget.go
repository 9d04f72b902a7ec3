package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"glance/internal/storage"
	"glance/internal/widget"
	"glance/internal/widgetpkg"
)

// NewWidgetCmd creates the widget command group. Its subcommands work on
// the local database directly.
func NewWidgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Manage widget definitions and packages",
		Long: `Manage widget definitions stored in the local database.

Packages are single-line strings starting with "!GW1!". They can be
shared as text or saved as .gwpkg files.`,
	}

	cmd.AddCommand(newWidgetListCmd())
	cmd.AddCommand(newWidgetExportCmd())
	cmd.AddCommand(newWidgetImportCmd())
	cmd.AddCommand(newWidgetValidateCmd())

	return cmd
}

func newWidgetListCmd() *cobra.Command {
	var (
		all        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List widget definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := commandStorage(cmd)
			if err != nil {
				return err
			}
			defs, err := db.ListDefinitions(all)
			if err != nil {
				return err
			}
			return printDefinitions(cmd.OutOrStdout(), defs, jsonOutput)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include disabled widgets")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func printDefinitions(out io.Writer, defs []*widget.Definition, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	if len(defs) == 0 {
		fmt.Fprintln(out, "No widgets found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tFETCH\tENABLED\tUPDATED")
	fmt.Fprintln(w, "----\t----\t-----\t-------\t-------")
	for _, d := range defs {
		enabled := "✓"
		if !d.Enabled {
			enabled = "✗"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Slug,
			d.Name,
			d.Fetch.Type,
			enabled,
			d.UpdatedAt.Local().Format("01-02 15:04"),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d widgets\n", len(defs))
	return nil
}

func newWidgetExportCmd() *cobra.Command {
	var (
		author string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <slug>",
		Short: "Export a widget as a package string",
		Example: `  # Print the package string
  glance widget export hn-top

  # Save it as a package file
  glance widget export hn-top -o hn-top.gwpkg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := requireCLIContext(cmd)
			if err != nil {
				return err
			}
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}
			def, err := db.GetDefinition(args[0])
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("widget not found: %s", args[0])
				}
				return err
			}

			if author == "" {
				author = cliCtx.Config.Packages.Author
			}
			encoded, err := widgetpkg.EncodeDefinition(def, author)
			if err != nil {
				return err
			}

			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), encoded)
				return nil
			}
			if filepath.Ext(output) == "" {
				output += widgetpkg.FileExt
			}
			if err := os.WriteFile(output, []byte(encoded+"\n"), 0644); err != nil {
				return fmt.Errorf("write package: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported '%s' to %s\n", def.Slug, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&author, "author", "", "author written into the package (default: packages.author)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the package to a file")

	return cmd
}

func newWidgetImportCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import a widget package",
		Long: `Import a widget package from a file, or from standard input when the
argument is "-". An existing widget with the same slug is only replaced
with --overwrite.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := commandStorage(cmd)
			if err != nil {
				return err
			}
			data, err := readPackageArg(cmd, args[0])
			if err != nil {
				return err
			}

			res, err := widgetpkg.NewImporter(db, widgetpkg.Options{AppVersion: Version}).ImportString(data, overwrite)
			if err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return fmt.Errorf("%w (use --overwrite to replace it)", err)
				}
				return err
			}

			out := cmd.OutOrStdout()
			verb := "Imported"
			if res.Replaced {
				verb = "Replaced"
			}
			fmt.Fprintf(out, "✓ %s '%s' (%s)\n", verb, res.Definition.Slug, res.Definition.Name)
			for _, warning := range res.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", warning)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing widget with the same slug")

	return cmd
}

func newWidgetValidateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "validate <file|->",
		Short: "Validate a widget package without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readPackageArg(cmd, args[0])
			if err != nil {
				return err
			}

			result := widgetpkg.Result{Valid: false}
			pkg, err := widgetpkg.Decode(data)
			if err != nil {
				result.Errors = []string{err.Error()}
			} else {
				result = widgetpkg.ValidateWith(pkg, widgetpkg.Options{AppVersion: Version})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				for _, e := range result.Errors {
					fmt.Fprintf(out, "  error: %s\n", e)
				}
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "  warning: %s\n", w)
				}
				if result.Valid {
					fmt.Fprintf(out, "✓ Package '%s' is valid\n", pkg.Meta.Slug)
				}
			}

			if !result.Valid {
				return fmt.Errorf("invalid package: %d error(s)", len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func commandStorage(cmd *cobra.Command) (*storage.DB, error) {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return nil, err
	}
	return cliCtx.GetStorage()
}

func readPackageArg(cmd *cobra.Command, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read package: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
