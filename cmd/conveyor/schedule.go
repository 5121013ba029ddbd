package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/isolation"
	"github.com/conveyorci/conveyor/internal/scheduler"
	"github.com/conveyorci/conveyor/internal/shell"
	"github.com/conveyorci/conveyor/internal/spec"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/validation"
	"github.com/conveyorci/conveyor/pkg/schema"
)

const scheduleUsage = `usage:
  conveyor schedule add <spec.yml> --cron "<expr>"
  conveyor schedule list
  conveyor schedule rm <schedule-id>
  conveyor schedule enable <schedule-id>
  conveyor schedule disable <schedule-id>
  conveyor schedule daemon
`

func cmdSchedule(cfg Config, args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, scheduleUsage)
		return exitSpecError
	}

	s, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	defer s.Close()

	switch args[0] {
	case "add":
		return scheduleAdd(cfg, s, args[1:])
	case "list":
		return scheduleList(s)
	case "rm":
		return scheduleRm(s, args[1:])
	case "enable":
		return scheduleToggle(s, args[1:], true)
	case "disable":
		return scheduleToggle(s, args[1:], false)
	case "daemon":
		return scheduleDaemon(cfg, s)
	default:
		fmt.Fprintf(os.Stderr, "unknown schedule subcommand %q\n\n%s", args[0], scheduleUsage)
		return exitSpecError
	}
}

func scheduleAdd(cfg Config, s store.Store, args []string) int {
	flags := pflag.NewFlagSet("schedule add", pflag.ContinueOnError)
	cronExpr := flags.String("cron", "", "five-field cron expression (required)")
	if err := flags.Parse(args); err != nil {
		return exitSpecError
	}
	if flags.NArg() != 1 || *cronExpr == "" {
		fmt.Fprintln(os.Stderr, `usage: conveyor schedule add <spec.yml> --cron "<expr>"`)
		return exitSpecError
	}
	source := flags.Arg(0)

	// The spec must load and validate now; a schedule pointing at a
	// broken file would fail silently at 2am otherwise.
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

	sched, err := scheduler.ParseCron(*cronExpr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitSpecError
	}
	next := sched.Next(time.Now().UTC())

	entry := &store.ScheduledWorkflow{
		ID:             uuid.NewString(),
		WorkflowName:   wf.Name,
		Source:         source,
		CronExpression: *cronExpr,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.CreateSchedule(context.Background(), entry); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	fmt.Printf("scheduled %s (%s), next run %s\n", wf.Name, entry.ID, next.Local().Format(time.RFC3339))
	return exitOK
}

func scheduleList(s store.Store) int {
	scheds, err := s.ListSchedules(context.Background(), store.ScheduleFilter{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tCRON\tENABLED\tLAST RUN\tLAST STATUS\tNEXT RUN")
	for _, sched := range scheds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			sched.ID, sched.WorkflowName, sched.CronExpression, sched.Enabled,
			formatTime(sched.LastRunAt), sched.LastRunStatus, formatTime(sched.NextRunAt))
	}
	w.Flush()
	return exitOK
}

func scheduleRm(s store.Store, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: conveyor schedule rm <schedule-id>")
		return exitSpecError
	}
	if err := s.DeleteSchedule(context.Background(), args[0]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	return exitOK
}

func scheduleToggle(s store.Store, args []string, enabled bool) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: conveyor schedule enable|disable <schedule-id>")
		return exitSpecError
	}
	if err := s.UpdateSchedule(context.Background(), args[0], store.ScheduleUpdate{Enabled: &enabled}); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	return exitOK
}

// scheduleDaemon runs the ticker loop until interrupted.
func scheduleDaemon(cfg Config, s *store.LibSQLStore) int {
	logger := newLogger(cfg)

	runner, err := newSourceRunner(cfg, s, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	sched := scheduler.New(s, runner, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("recover missed schedules failed", "error", err.Error())
	}
	if err := sched.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}

	<-ctx.Done()
	if err := sched.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	return exitOK
}

// sourceRunner satisfies scheduler.WorkflowRunner: loads the spec file,
// validates it, and runs it through a store-backed engine.
type sourceRunner struct {
	cfg    Config
	eng    *engine.Engine
	wv     *validation.WorkflowValidator
	logger *slog.Logger
}

func newSourceRunner(cfg Config, s *store.LibSQLStore, logger *slog.Logger) (*sourceRunner, error) {
	registry, err := builtinRegistry()
	if err != nil {
		return nil, err
	}
	wv, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, err
	}
	vault, err := openVault(cfg, s)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Shell: shell.NewRunner(shell.Config{
			Isolator:       isolation.New(),
			DefaultDialect: cfg.DefaultShell,
		}),
		Actions:  registry,
		Vault:    vault,
		Recorder: engine.NewStoreRecorder(s),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &sourceRunner{cfg: cfg, eng: eng, wv: wv, logger: logger}, nil
}

func (r *sourceRunner) RunSource(ctx context.Context, source string) (schema.RunStatus, error) {
	wf, doc, err := spec.LoadFile(source)
	if err != nil {
		return schema.RunStatusFailed, err
	}
	if err := r.wv.ValidateWorkflow(wf, doc); err != nil {
		return schema.RunStatusFailed, err
	}

	result, err := r.eng.Run(ctx, wf, engine.Options{
		Trigger:              "schedule",
		Source:               source,
		MaxConcurrency:       r.cfg.MaxConcurrency,
		WorkingDirectoryRoot: r.cfg.WorkDir,
	})
	if err != nil {
		return schema.RunStatusFailed, err
	}
	return result.Status, nil
}
