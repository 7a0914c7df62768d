package main

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/journal"
)

func printStatus(cmd *cobra.Command, cfg *config.Config) error {
	j, err := journal.NewSQLite(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	counts, err := j.CountByState(ctx)
	if err != nil {
		return err
	}
	stuck, err := j.ListUnreconciled(ctx)
	if err != nil {
		return err
	}

	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, string(s))
	}
	slices.Sort(states)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tCYCLES")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%d\n", s, counts[domain.CycleState(s)])
	}
	if len(stuck) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "UNRECONCILED\tTOKEN\tREASON\tSINCE")
		for _, e := range stuck {
			reason := e.Cycle.Reason
			if e.BlockedReason != "" {
				reason = e.BlockedReason
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Cycle.ID, e.Cycle.Token, reason, e.UpdatedAt.Format(time.RFC3339))
		}
	}
	return w.Flush()
}
