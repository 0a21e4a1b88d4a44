package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"tiercore/internal/vmerr"
)

// Exit codes.
const (
	exitFailure  = 1
	exitVMError  = 2
	exitInternal = 3
)

// printError reports err, with the backtrace for execution errors.
func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	if e, ok := vmerr.As(err); ok {
		_, _ = red.Fprintln(w, e.Error())    //nolint:errcheck
		_, _ = fmt.Fprint(w, e.Location()) //nolint:errcheck
		return
	}
	_, _ = red.Fprint(w, "error: ") //nolint:errcheck
	_, _ = fmt.Fprintln(w, err)     //nolint:errcheck
}

func exitCode(err error) int {
	e, ok := vmerr.As(err)
	if !ok {
		return exitFailure
	}
	if e.Category() == vmerr.CategoryInternal {
		return exitInternal
	}
	return exitVMError
}
