package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/allaspectsdev/kirogate/internal/vault"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage credential tokens in the OS keychain",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show which configured credentials have a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Credentials))
			for _, c := range cfg.Credentials {
				names = append(names, c.Name)
			}
			found := make(map[string]bool)
			for _, name := range vault.New().List(names) {
				found[name] = true
			}

			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No credentials configured")
				return nil
			}
			for _, name := range names {
				state := "missing (set with: kirogate keys set " + name + ", or " + vault.EnvVar(name) + ")"
				if found[name] {
					state = "****"
				}
				fmt.Fprintf(out, "  %s: %s\n", name, state)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <credential>",
		Short: "Store a token for a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			fmt.Fprintf(cmd.OutOrStdout(), "Enter token for %s: ", name)
			token, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			if len(token) == 0 {
				return fmt.Errorf("empty token")
			}
			if err := vault.New().Set(name, string(token)); err != nil {
				return fmt.Errorf("storing token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token for %s stored\n", name)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <credential>",
		Short: "Remove a credential's token from the keychain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := vault.New().Delete(args[0]); err != nil {
				return fmt.Errorf("deleting token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token for %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, set, del)
	return cmd
}
