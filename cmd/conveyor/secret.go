package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

const secretUsage = `usage:
  conveyor secret set <key> <value>
  conveyor secret set <key> --stdin
  conveyor secret rm <key>
  conveyor secret list
`

func cmdSecret(cfg Config, args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, secretUsage)
		return exitSpecError
	}

	s, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	defer s.Close()

	vault, err := openVault(cfg, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return exitFailed
	}
	if vault == nil {
		fmt.Fprintln(os.Stderr, "vault is not configured: set CONVEYOR_VAULT_PASSPHRASE or vault_passphrase in settings.json")
		return exitFailed
	}

	ctx := context.Background()

	switch args[0] {
	case "set":
		flags := pflag.NewFlagSet("secret set", pflag.ContinueOnError)
		fromStdin := flags.Bool("stdin", false, "read the value from stdin")
		if err := flags.Parse(args[1:]); err != nil {
			return exitSpecError
		}

		var key string
		var value []byte
		switch {
		case *fromStdin && flags.NArg() == 1:
			key = flags.Arg(0)
			value, err = readAllStdin()
			if err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				return exitFailed
			}
		case !*fromStdin && flags.NArg() == 2:
			key = flags.Arg(0)
			value = []byte(flags.Arg(1))
		default:
			fmt.Fprint(os.Stderr, secretUsage)
			return exitSpecError
		}

		if err := vault.Store(ctx, key, value); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return exitFailed
		}
		fmt.Printf("secret %q stored\n", key)
		return exitOK

	case "rm":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: conveyor secret rm <key>")
			return exitSpecError
		}
		if err := vault.Delete(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return exitFailed
		}
		return exitOK

	case "list":
		keys, err := vault.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			return exitFailed
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown secret subcommand %q\n\n%s", args[0], secretUsage)
		return exitSpecError
	}
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return bytes.TrimSuffix(data, []byte("\n")), nil
}
