package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/isolation"
	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/internal/shell"
	"github.com/conveyorci/conveyor/internal/spec"
	"github.com/conveyorci/conveyor/internal/streaming"
	"github.com/conveyorci/conveyor/internal/validation"
	"github.com/conveyorci/conveyor/pkg/schema"
)

func cmdRun(cfg Config, args []string) int {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	maxConcurrency := flags.IntP("max-concurrency", "c", cfg.MaxConcurrency, "max parallel job instances")
	cancelAfter := flags.Duration("cancel-after", 0, "cancel the whole run after this duration")
	workDir := flags.StringP("workdir", "w", cfg.WorkDir, "working directory root for steps")
	trigger := flags.String("trigger", "manual", "trigger recorded in run history")
	noHistory := flags.Bool("no-history", !cfg.History, "run without the history store")
	quiet := flags.BoolP("quiet", "q", false, "suppress step output streaming")
	if err := flags.Parse(args); err != nil {
		return exitSpecError
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conveyor run <spec.yml> [flags]")
		return exitSpecError
	}
	source := flags.Arg(0)

	logger := newLogger(cfg)

	wf, doc, err := spec.LoadFile(source)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitSpecError
	}

	registry, err := builtinRegistry()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	wv, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	if result := wv.Validate(wf, doc); !result.Valid() {
		printValidation(result)
		return exitSpecError
	}

	recorder := engine.NopRecorder()
	var vault secrets.Vault
	if !*noHistory {
		s, err := openStore(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return exitFailed
		}
		defer s.Close()
		recorder = engine.NewStoreRecorder(s)
		if vault, err = openVault(cfg, s); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return exitFailed
		}
	}

	hub := streaming.NewMemoryHub()
	runner := shell.NewRunner(shell.Config{
		Isolator:       isolation.New(),
		DefaultDialect: cfg.DefaultShell,
	})

	eng, err := engine.New(engine.Config{
		Shell:    runner,
		Actions:  registry,
		Vault:    vault,
		Recorder: recorder,
		Hub:      hub,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*quiet {
		stopStream := streamToStdout(ctx, hub)
		defer stopStream()
	}

	result, err := eng.Run(ctx, wf, engine.Options{
		Trigger:              *trigger,
		Source:               source,
		MaxConcurrency:       *maxConcurrency,
		CancelAfter:          *cancelAfter,
		WorkingDirectoryRoot: *workDir,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		if perr, ok := err.(*schema.PipelineError); ok {
			switch perr.Code {
			case schema.ErrCodeMalformedSpec, schema.ErrCodeEmptyMatrix, schema.ErrCodeValidation:
				return exitSpecError
			}
		}
		return exitFailed
	}

	printSummary(result)
	return result.ExitCode()
}

// streamToStdout subscribes to the hub and prints step output chunks and
// state changes until the subscription is cancelled.
func streamToStdout(ctx context.Context, hub streaming.EventHub) func() {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.EventType {
			case schema.EventStepOutput:
				if s, ok := ev.Payload.(string); ok {
					fmt.Print(s)
				}
			case schema.EventStepStarted:
				fmt.Printf("[%s] step %s started\n", ev.Instance, ev.StepID)
			case schema.EventStepSucceeded, schema.EventStepFailed,
				schema.EventStepSkipped, schema.EventStepTimedOut:
				fmt.Printf("[%s] step %s %s\n", ev.Instance, ev.StepID, ev.EventType)
			}
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

func printSummary(result *engine.AggregateResult) {
	succeeded, failed, cancelled := result.Counts()
	fmt.Printf("\nrun %s: %s (%d succeeded, %d failed, %d cancelled)\n",
		result.RunID, result.Status, succeeded, failed, cancelled)
	for _, inst := range result.Instances {
		fmt.Printf("  %-40s %s\n", inst.InstanceName, inst.Status)
		if inst.Status == schema.InstanceStatusFailed {
			for _, step := range inst.Steps {
				if step.Status == schema.StepStatusFailed && step.Err != nil {
					fmt.Printf("    %s: %s\n", step.Name, step.Err.Error())
				}
			}
		}
	}
}

func printValidation(result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", issue.Path, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", issue.Path, issue.Message)
	}
}
