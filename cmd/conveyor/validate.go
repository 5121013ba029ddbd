package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/conveyorci/conveyor/internal/spec"
	"github.com/conveyorci/conveyor/internal/validation"
)

func cmdValidate(cfg Config, args []string) int {
	flags := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return exitSpecError
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conveyor validate <spec.yml>")
		return exitSpecError
	}

	wf, doc, err := spec.LoadFile(flags.Arg(0))
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

	result := wv.Validate(wf, doc)
	printValidation(result)
	if !result.Valid() {
		return exitSpecError
	}

	jobs := len(wf.Jobs)
	steps := 0
	for i := range wf.Jobs {
		steps += len(wf.Jobs[i].Steps)
	}
	fmt.Printf("%s: valid (%d jobs, %d steps)\n", wf.Name, jobs, steps)
	return exitOK
}
