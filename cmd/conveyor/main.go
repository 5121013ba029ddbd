package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/conveyorci/conveyor/internal/actions"
	"github.com/conveyorci/conveyor/internal/logging"
	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/validation"
)

// Exit codes: 0 success, 1 execution failure, 2 spec error, 3 cancelled.
const (
	exitOK        = 0
	exitFailed    = 1
	exitSpecError = 2
	exitCancelled = 3
)

const usage = `conveyor - declarative pipeline runner

Usage:
  conveyor run <spec.yml> [flags]       run a workflow
  conveyor validate <spec.yml>          validate a workflow spec
  conveyor history [run-id] [flags]     show run history
  conveyor schedule <subcommand>        manage scheduled workflows
  conveyor secret <subcommand>          manage vault secrets
  conveyor version                      print version

Run 'conveyor <command> --help' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitSpecError)
	}

	cfg := loadConfig()
	args := os.Args[2:]

	var code int
	switch os.Args[1] {
	case "run":
		code = cmdRun(cfg, args)
	case "validate":
		code = cmdValidate(cfg, args)
	case "history":
		code = cmdHistory(cfg, args)
	case "schedule":
		code = cmdSchedule(cfg, args)
	case "secret":
		code = cmdSecret(cfg, args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = exitSpecError
	}
	os.Exit(code)
}

// newLogger builds the process logger: text to stderr, wrapped with the
// correlation handler so run/job/step IDs ride along on context-aware
// calls.
func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore opens (and migrates) the libSQL store at the configured path.
func openStore(cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(conveyorDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create conveyor dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// builtinRegistry builds the action registry with the core bundle.
func builtinRegistry() (*actions.Registry, error) {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, validator); err != nil {
		return nil, err
	}
	return registry, nil
}

// openVault builds the AES vault over the store when a passphrase is
// configured. Without one, secret interpolation is unavailable.
func openVault(cfg Config, s secrets.SecretStore) (secrets.Vault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	salt := cfg.VaultSalt
	if salt == "" {
		salt = "conveyor-vault-v1"
	}
	return secrets.NewAESVault(s, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(salt),
	})
}
