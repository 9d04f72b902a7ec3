package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"glance/internal/credentials"
	"glance/internal/storage"
)

// NewCredentialCmd creates the credential command group. Values are never
// printed.
func NewCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage credentials used by widget server code",
	}

	cmd.AddCommand(newCredentialListCmd())
	cmd.AddCommand(newCredentialSetCmd())
	cmd.AddCommand(newCredentialDeleteCmd())
	cmd.AddCommand(newCredentialStatusCmd())

	return cmd
}

func commandCredentials(cmd *cobra.Command) (*credentials.Store, *storage.DB, error) {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := cliCtx.GetStorage()
	if err != nil {
		return nil, nil, err
	}
	return credentials.NewStore(cliCtx.Config.Credentials, db), db, nil
}

func newCredentialListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known credential ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := commandCredentials(cmd)
			if err != nil {
				return err
			}
			ids, err := store.IDs()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "No credentials configured.")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

func newCredentialSetCmd() *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Store a credential value",
		Long: `Store a credential value in the local database. Without --value the
value is read from the first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := commandCredentials(cmd)
			if err != nil {
				return err
			}

			if value == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read credential value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("credential value is empty")
			}

			if err := store.Set(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Credential '%s' stored\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&value, "value", "", "credential value (read from stdin when omitted)")

	return cmd
}

func newCredentialDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := commandCredentials(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("credential not stored: %s", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Credential '%s' deleted\n", args[0])
			return nil
		},
	}
}

func newCredentialStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <widget>",
		Short: "Show which credentials a widget needs and whether they are available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := commandCredentials(cmd)
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

			out := cmd.OutOrStdout()
			statuses := store.StatusFor(def)
			if len(statuses) == 0 {
				fmt.Fprintf(out, "Widget '%s' declares no credentials.\n", def.Slug)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tAVAILABLE\tSOURCE\tDETAIL")
			fmt.Fprintln(w, "--\t----\t---------\t------\t------")
			for _, st := range statuses {
				available := "✓"
				if !st.Available {
					available = "✗"
				}
				source := st.Source
				if source == "" {
					source = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.ID, st.Type, available, source, st.Detail)
			}
			return w.Flush()
		},
	}
}
