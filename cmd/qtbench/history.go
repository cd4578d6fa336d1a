package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/whhaicheng/QTBench/internal/app/usecase"
	"github.com/whhaicheng/QTBench/internal/infra/database"
	"github.com/whhaicheng/QTBench/internal/infra/database/repository"
	"github.com/whhaicheng/QTBench/internal/infra/report"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent launches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), a, func(repo usecase.LaunchRepository) error {
				return printHistory(cmd.Context(), cmd.OutOrStdout(), repo, limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of launches to show")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <launch-id>",
		Short: "Show the queries and event timeline of a launch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd.Context(), a, func(repo usecase.LaunchRepository) error {
				return printLaunch(cmd.Context(), cmd.OutOrStdout(), repo, args[0], format)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatTable, "Output format: table, events, markdown, json")
	return cmd
}

// withRepository opens the artifact store for the duration of fn.
func withRepository(ctx context.Context, a *app, fn func(usecase.LaunchRepository) error) error {
	if a.cfg.Storage.DatabasePath == "" {
		return fmt.Errorf("artifact store is disabled (storage.database_path is empty)")
	}
	db, err := database.InitializeSQLite(ctx, a.cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	defer db.Close()
	return fn(repository.NewSQLiteArtifactRepository(db))
}

func printHistory(ctx context.Context, w io.Writer, repo usecase.LaunchRepository, limit int) error {
	launches, err := repo.ListLaunches(ctx, limit)
	if err != nil {
		return fmt.Errorf("list launches: %w", err)
	}
	if len(launches) == 0 {
		fmt.Fprintln(w, "No launches recorded")
		return nil
	}

	styles := newStateStyles(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAUNCH\tSTARTED\tDURATION\tQUERIES\tFAILED\tSTATUS")
	for _, l := range launches {
		duration := "-"
		if l.FinishedAt != nil {
			duration = l.FinishedAt.Sub(l.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			l.ID,
			l.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			l.Queries,
			l.Failed,
			styles.render(l.Status))
	}
	return tw.Flush()
}

// Output formats of the show command besides the report formats.
const (
	formatTable  = "table"
	formatEvents = "events"
)

func printLaunch(ctx context.Context, w io.Writer, repo usecase.LaunchRepository, launchID, format string) error {
	events, err := repo.GetLaunchEvents(ctx, launchID)
	if err != nil {
		return fmt.Errorf("get launch events: %w", err)
	}

	if format == formatEvents {
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	runs, err := repo.GetQueryRuns(ctx, launchID)
	if err != nil {
		return fmt.Errorf("get query runs: %w", err)
	}

	if format != formatTable {
		gen, err := report.NewGenerator(report.Format(format))
		if err != nil {
			return err
		}
		launch, err := repo.GetLaunch(ctx, launchID)
		if err != nil {
			return fmt.Errorf("get launch: %w", err)
		}
		r, err := report.Build(launch, runs, events)
		if err != nil {
			return err
		}
		content, err := gen.Generate(r)
		if err != nil {
			return fmt.Errorf("generate %s report: %w", format, err)
		}
		_, err = w.Write(content)
		return err
	}

	styles := newStateStyles(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTITLE\tQUERY ID\tSTATE")
	for _, r := range runs {
		state := r.State
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Index, r.Title, r.QueryID, styles.render(state))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range runs {
		if r.Error != "" {
			fmt.Fprintf(w, "%d %s: %s\n", r.Index, styles.failed.Render("error"), firstLine(r.Error))
		}
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tQUERY\tKIND")
	for _, e := range events {
		query := "-"
		if e.QueryIndex > 0 {
			query = fmt.Sprintf("%d (q%d)", e.QueryIndex, e.RunnableID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Seq, e.Time.Local().Format("15:04:05.000"), query, e.Kind)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
