package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
	"github.com/allaspectsdev/kirogate/internal/fingerprint"
)

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <seed>",
		Short: "Print the client fingerprint and headers derived from a seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp := fingerprint.Generate(args[0])
			data, err := json.MarshalIndent(fp, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(data))

			h := http.Header{}
			fp.ApplyHeaders(h)
			keys := make([]string, 0, len(h))
			for k := range h {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintln(out)
			for _, k := range keys {
				fmt.Fprintf(out, "%s: %s\n", k, h.Get(k))
			}
			return nil
		},
	}
}

func newCooldownReasonsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cooldown-reasons",
		Short: "List cooldown reasons with their default durations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REASON\tDEFAULT\tAUTO-RECOVER\tDESCRIPTION")
			for _, r := range cooldown.Reasons() {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r, r.DefaultDuration(), r.AutoRecoverable(), r.Description())
			}
			return w.Flush()
		},
	}
}
