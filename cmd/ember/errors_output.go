package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ember/internal/vm"
)

// runtimeFailure carries a program error to main together with the source
// files its positions refer to.
type runtimeFailure struct {
	err   *vm.Error
	files map[string][]byte
}

func (f *runtimeFailure) Error() string { return f.err.Error() }

func (f *runtimeFailure) Unwrap() error { return f.err }

// printError writes err to stderr. Program errors get the source excerpt
// and backtrace; the first line is red when color is enabled.
func printError(cmd *cobra.Command, err error) {
	red := color.New(color.FgRed, color.Bold)
	if !useColor(cmd, os.Stderr) {
		red.DisableColor()
	}

	var rf *runtimeFailure
	if errors.As(err, &rf) {
		text := rf.err.FormatWithFiles(rf.files)
		head, rest, _ := strings.Cut(text, "\n")
		red.Fprintln(os.Stderr, head)
		fmt.Fprint(os.Stderr, rest)
		return
	}
	red.Fprint(os.Stderr, "error: ")
	fmt.Fprintln(os.Stderr, err)
}

// exitCode maps an error to the process status: 124 for timeouts, as
// timeout(1) does, 1 otherwise.
func exitCode(err error) int {
	var vmErr *vm.Error
	if errors.As(err, &vmErr) && vmErr.Code == vm.CodeTimeout {
		return 124
	}
	return 1
}
