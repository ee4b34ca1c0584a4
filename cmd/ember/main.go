package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ember/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "ember",
	Short:         "Ember bytecode VM",
	Long:          `Ember runs bytecode modules on a tiered VM with a template JIT and a garbage-collected heap`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(asmCmd)
	rootCmd.AddCommand(disCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")

	rootCmd.PersistentFlags().String("trace", "", "write trace events to path (\"-\" for stderr)")
	rootCmd.PersistentFlags().String("trace-level", "off", "trace level (off|error|phase|detail|debug)")
	rootCmd.PersistentFlags().String("trace-mode", "stream", "trace storage (stream|ring|both)")
	rootCmd.PersistentFlags().Int("trace-ring-size", 4096, "events kept in ring mode")
	rootCmd.PersistentFlags().Duration("trace-heartbeat", 0, "emit a heartbeat event at this interval")

	rootCmd.PersistentFlags().String("cpu-profile", "", "write a CPU profile to path")
	rootCmd.PersistentFlags().String("mem-profile", "", "write a heap profile to path on exit")
	rootCmd.PersistentFlags().String("runtime-trace", "", "write a Go runtime trace to path")
}

// main executes the root command. Errors are printed once, in red when the
// terminal allows it.
func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(rootCmd, err)
		os.Exit(exitCode(err))
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// useColor resolves the --color flag for output written to f.
func useColor(cmd *cobra.Command, f *os.File) bool {
	colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return false
	}
	return colorFlag == "on" || (colorFlag == "auto" && isTerminal(f))
}
