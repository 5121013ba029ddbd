package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/conveyorci/conveyor/internal/store"
)

func cmdHistory(cfg Config, args []string) int {
	flags := pflag.NewFlagSet("history", pflag.ContinueOnError)
	limit := flags.IntP("limit", "n", 20, "max runs to list")
	workflow := flags.String("workflow", "", "filter by workflow name")
	asJSON := flags.Bool("json", false, "output as JSON")
	if err := flags.Parse(args); err != nil {
		return exitSpecError
	}

	s, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	defer s.Close()

	ctx := context.Background()

	if flags.NArg() == 1 {
		return showRun(ctx, s, flags.Arg(0), *asJSON)
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{WorkflowName: *workflow, Limit: *limit})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	if *asJSON {
		return printJSON(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tWORKFLOW\tTRIGGER\tSTATUS\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.WorkflowName, run.Trigger, run.Status,
			formatTime(run.StartedAt), formatDuration(run.StartedAt, run.CompletedAt))
	}
	w.Flush()
	return exitOK
}

// showRun prints one run with its instances and step results.
func showRun(ctx context.Context, s *store.LibSQLStore, runID string, asJSON bool) int {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	instances, err := s.ListJobInstances(ctx, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	if asJSON {
		type instanceView struct {
			*store.JobInstance
			Steps []*store.StepResult `json:"steps"`
		}
		view := struct {
			Run       *store.Run     `json:"run"`
			Instances []instanceView `json:"instances"`
		}{Run: run}
		for _, inst := range instances {
			steps, err := s.ListStepResults(ctx, inst.ID)
			if err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				return exitFailed
			}
			view.Instances = append(view.Instances, instanceView{JobInstance: inst, Steps: steps})
		}
		return printJSON(view)
	}

	fmt.Printf("run %s\n  workflow: %s\n  trigger:  %s\n  status:   %s\n  started:  %s\n\n",
		run.ID, run.WorkflowName, run.Trigger, run.Status, formatTime(run.StartedAt))

	for _, inst := range instances {
		fmt.Printf("%s  [%s]\n", inst.InstanceName, inst.Status)
		steps, err := s.ListStepResults(ctx, inst.ID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return exitFailed
		}
		for _, step := range steps {
			exit := ""
			if step.ExitCode != nil {
				exit = fmt.Sprintf(" (exit %d)", *step.ExitCode)
			}
			fmt.Printf("  %-30s %s%s\n", step.Name, step.Status, exit)
		}
	}
	return exitOK
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	return exitOK
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(start, end *time.Time) string {
	if start == nil || end == nil {
		return "-"
	}
	return end.Sub(*start).Round(time.Millisecond).String()
}
