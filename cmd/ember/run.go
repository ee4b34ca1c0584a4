package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ember/internal/config"
	"ember/internal/observ"
	"ember/internal/trace"
	"ember/internal/value"
	"ember/internal/vm"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <module.emb|module.ems>",
	Short: "Execute a bytecode module",
	Long: `Execute the entry function of a binary or text bytecode module.
Settings come from --config or the nearest ember.toml; flags override them.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecution,
}

// configFlags are run flags that override the ember.toml key of the same
// name with dashes in place of underscores.
var configFlags = []string{
	"jit", "jit-threshold", "loop-threshold",
	"gc-mode", "gc-threshold", "heap-initial", "heap-limit",
	"trace-jit", "gc-stats", "timeout", "jit-cache",
}

func init() {
	addRunFlags(runCmd.Flags())
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("config", "", "path to ember.toml (default: nearest one above the module)")
	f.StringArray("set", nil, "override a config key (key=value), repeatable")
	f.String("jit", "auto", "JIT tier (auto|on|off)")
	f.Int("jit-threshold", 1000, "calls before a function is compiled")
	f.Int("loop-threshold", 1000, "back-edges before a loop is compiled")
	f.String("gc-mode", "stw", "collector (stw|concurrent)")
	f.String("gc-threshold", "512KB", "allocation volume that triggers a cycle")
	f.String("heap-initial", "512KB", "initial heap size")
	f.String("heap-limit", "256MB", "maximum heap size")
	f.Bool("trace-jit", false, "print [jit] compile, skip and entry lines")
	f.Bool("gc-stats", false, "print [gc] phases and cycle totals")
	f.Duration("timeout", 0, "abort the program after this long (0 disables)")
	f.String("jit-cache", "", "directory for cached native code")
	f.String("arch", "", "JIT target (amd64|arm64); only the host can execute")
	f.Bool("check-stack-maps", false, "verify native stack maps at every safe point")
	f.Bool("stats", false, "print runtime statistics after the run")
	f.Bool("timings", false, "print load and run durations")
}

func runExecution(cmd *cobra.Command, args []string) (retErr error) {
	path := args[0]

	profiles, err := startProfiling(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if perr := profiles.stop(); perr != nil {
			retErr = errors.Join(retErr, perr)
		}
	}()

	stopTrace, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer stopTrace()

	cfg, err := resolveConfig(cmd, path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	arch, err := flags.GetString("arch")
	if err != nil {
		return fmt.Errorf("failed to get arch flag: %w", err)
	}
	checkMaps, err := flags.GetBool("check-stack-maps")
	if err != nil {
		return fmt.Errorf("failed to get check-stack-maps flag: %w", err)
	}
	showStats, err := flags.GetBool("stats")
	if err != nil {
		return fmt.Errorf("failed to get stats flag: %w", err)
	}
	showTimings, err := flags.GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}

	timer := observ.NewTimer()
	loadIdx := timer.Begin("load")
	src, err := loadModule(path)
	timer.End(loadIdx, "")
	if err != nil {
		return err
	}

	machine, err := vm.New(src.Module, vm.Options{
		Config:         cfg,
		Stdout:         cmd.OutOrStdout(),
		Diag:           cmd.ErrOrStderr(),
		Tracer:         trace.FromContext(cmd.Context()),
		Arch:           arch,
		CheckStackMaps: checkMaps,
	})
	if err != nil {
		return err
	}
	defer machine.Runtime().Close()
	defer machine.Close()

	interval, err := cmd.Root().PersistentFlags().GetDuration("trace-heartbeat")
	if err != nil {
		return fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
	}
	heartbeat := trace.StartHeartbeat(trace.FromContext(cmd.Context()), interval, func() []string {
		st := machine.Stats()
		return []string{
			"live_words", fmt.Sprint(st.Heap.LiveWords),
			"gc_cycles", fmt.Sprint(st.GC.Cycles),
			"allocations", fmt.Sprint(st.Allocations),
			"native_entries", fmt.Sprint(st.JIT.NativeEntries),
		}
	})

	runIdx := timer.Begin("run")
	var (
		result value.Value
		runErr error
	)
	profiles.run(cmd.Context(), func() {
		result, runErr = machine.Run(cmd.Context())
	})
	timer.End(runIdx, "")
	heartbeat.Stop()

	if runErr == nil && result.Kind != value.KindNull {
		fmt.Fprintln(cmd.OutOrStdout(), machine.Format(result))
	}
	if showStats {
		printRunStats(cmd.ErrOrStderr(), machine.Stats(), useColor(cmd, os.Stderr))
	}
	if showTimings {
		printTimings(cmd.ErrOrStderr(), timer.Report())
	}
	if runErr != nil {
		dumpTraceRing(cmd)
		var vmErr *vm.Error
		if errors.As(runErr, &vmErr) {
			return &runtimeFailure{err: vmErr, files: src.Files}
		}
		return runErr
	}
	return nil
}

// resolveConfig loads the configuration for the module at path and applies
// the --set overrides and explicitly given flags, in that order.
func resolveConfig(cmd *cobra.Command, path string) (config.Runtime, error) {
	flags := cmd.Flags()
	explicit, err := flags.GetString("config")
	if err != nil {
		return config.Runtime{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, _, err := config.Resolve(explicit, dirOf(path))
	if err != nil {
		return config.Runtime{}, err
	}

	sets, err := flags.GetStringArray("set")
	if err != nil {
		return config.Runtime{}, fmt.Errorf("failed to get set flag: %w", err)
	}
	for _, kv := range sets {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return config.Runtime{}, fmt.Errorf("--set %q: expected key=value", kv)
		}
		if err := cfg.Set(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return config.Runtime{}, err
		}
	}

	for _, name := range configFlags {
		fl := flags.Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := cfg.Set(configKey(fl), fl.Value.String()); err != nil {
			return config.Runtime{}, fmt.Errorf("--%s: %w", name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Runtime{}, err
	}
	return cfg, nil
}

func configKey(fl *pflag.Flag) string {
	return strings.ReplaceAll(fl.Name, "-", "_")
}

// dumpTraceRing writes the events retained by a ring tracer, if any, so a
// failed run shows what led up to it.
func dumpTraceRing(cmd *cobra.Command) {
	ring := trace.RingOf(trace.FromContext(cmd.Context()))
	if ring == nil {
		return
	}
	w := cmd.ErrOrStderr()
	if n := ring.Dropped(); n > 0 {
		fmt.Fprintf(w, "trace: %d earlier events dropped\n", n)
	}
	if err := ring.Dump(w, trace.FormatText); err != nil {
		fmt.Fprintf(w, "trace: dump error: %v\n", err)
	}
}
