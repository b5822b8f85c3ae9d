package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Swind/go-load-scheduler/internal/tracestore"
)

const defaultTraceDB = "loadsim-traces.db"

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newTraceListCmd(), newTraceShowCmd(), newTraceDeleteCmd())
	return cmd
}

func newTraceListCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := tracestore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSCENARIO\tRECORDED\tVIRTUAL TIME\tEVENTS")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n",
					r.ID, r.Scenario, r.StartedAt.Format("2006-01-02T15:04:05"), r.Duration, r.Events)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", defaultTraceDB, "trace database")
	return cmd
}

func newTraceShowCmd() *cobra.Command {
	var dbPath, runID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the timeline of a recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := tracestore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			events, err := store.Events(cmd.Context(), runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s (%s), %d events over %v\n", run.ID, run.Scenario, run.Events, run.Duration)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tAT\tKIND\tCLIENT\tID\tPRIORITY\tOPTION\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%v\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Seq, e.At, e.Kind, dash(e.Client), idString(e.ClientID), dash(e.Priority), dash(e.Option), e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", defaultTraceDB, "trace database")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.MarkFlagRequired("run")
	return cmd
}

func newTraceDeleteCmd() *cobra.Command {
	var dbPath, runID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a recorded run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := tracestore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(cmd.Context(), runID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", defaultTraceDB, "trace database")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.MarkFlagRequired("run")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func idString(id uint64) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprint(id)
}
