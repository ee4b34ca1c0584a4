// Package config holds the runtime configuration surface: JIT and collector
// modes, thresholds, heap sizing and diagnostic toggles. Values come from
// defaults, an optional ember.toml and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"
)

// FileName is the configuration file looked up from the working directory
// upwards.
const FileName = "ember.toml"

// JITMode selects whether hot code is compiled.
type JITMode uint8

const (
	// JITAuto compiles when the host supports native execution.
	JITAuto JITMode = iota
	// JITOn always compiles; on unsupported hosts this is an error.
	JITOn
	// JITOff keeps every function interpreted.
	JITOff
)

func (m JITMode) String() string {
	switch m {
	case JITOn:
		return "on"
	case JITOff:
		return "off"
	default:
		return "auto"
	}
}

// ParseJITMode resolves on, off or auto.
func ParseJITMode(s string) (JITMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return JITAuto, nil
	case "on", "true":
		return JITOn, nil
	case "off", "false":
		return JITOff, nil
	}
	return JITAuto, fmt.Errorf("invalid jit mode %q (expected: on|off|auto)", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *JITMode) UnmarshalText(b []byte) error {
	v, err := ParseJITMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m JITMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// GCMode names the collector algorithm.
type GCMode string

const (
	GCStopTheWorld GCMode = "stw"
	GCConcurrent   GCMode = "concurrent"
)

// ParseGCMode validates a collector mode name.
func ParseGCMode(s string) (GCMode, error) {
	switch m := GCMode(strings.ToLower(strings.TrimSpace(s))); m {
	case GCStopTheWorld, GCConcurrent:
		return m, nil
	case "":
		return GCStopTheWorld, nil
	}
	return GCStopTheWorld, fmt.Errorf("invalid gc mode %q (expected: stw|concurrent)", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *GCMode) UnmarshalText(b []byte) error {
	v, err := ParseGCMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Size is a byte count written as "64MB", "512KB" or a plain number.
type Size int64

// ParseSize accepts a number of bytes with an optional unit suffix.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
		s += "B"
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(b), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(b []byte) error {
	v, err := ParseSize(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) String() string { return bytesize.ByteSize(s).String() }

// Duration is a time.Duration written as "500ms" or "2s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Runtime is the configuration consumed by the VM.
type Runtime struct {
	JIT           JITMode  `toml:"jit"`
	JITThreshold  int      `toml:"jit_threshold"`
	LoopThreshold int      `toml:"loop_threshold"`
	GCMode        GCMode   `toml:"gc_mode"`
	GCThreshold   Size     `toml:"gc_threshold"`
	HeapInitial   Size     `toml:"heap_initial"`
	HeapLimit     Size     `toml:"heap_limit"`
	TraceJIT      bool     `toml:"trace_jit"`
	GCStats       bool     `toml:"gc_stats"`
	Timeout       Duration `toml:"timeout"`
	JITCache      string   `toml:"jit_cache"`
}

// Default returns the built-in configuration.
func Default() Runtime {
	return Runtime{
		JIT:           JITAuto,
		JITThreshold:  1000,
		LoopThreshold: 1000,
		GCMode:        GCStopTheWorld,
		GCThreshold:   512 * 1024,
		HeapInitial:   512 * 1024,
		HeapLimit:     256 * 1024 * 1024,
	}
}

// Validate reports inconsistent settings.
func (r Runtime) Validate() error {
	var errs []error
	if r.JITThreshold < 1 {
		errs = append(errs, fmt.Errorf("jit_threshold must be at least 1, got %d", r.JITThreshold))
	}
	if r.LoopThreshold < 1 {
		errs = append(errs, fmt.Errorf("loop_threshold must be at least 1, got %d", r.LoopThreshold))
	}
	if r.HeapInitial <= 0 || r.HeapLimit <= 0 {
		errs = append(errs, errors.New("heap sizes must be positive"))
	}
	if r.HeapLimit < r.HeapInitial {
		errs = append(errs, fmt.Errorf("heap_limit %s is below heap_initial %s", r.HeapLimit, r.HeapInitial))
	}
	if r.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	return errors.Join(errs...)
}

type fileConfig struct {
	Runtime Runtime `toml:"runtime"`
}

// Load reads path over the defaults.
func Load(path string) (Runtime, error) {
	cfg := fileConfig{Runtime: Default()}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Runtime{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if und := meta.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und {
			keys[i] = k.String()
		}
		return Runtime{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Runtime.Validate(); err != nil {
		return Runtime{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg.Runtime, nil
}

// Find looks for FileName in startDir and its parents.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Resolve loads an explicit path, or the nearest ember.toml, or the
// defaults when neither exists.
func Resolve(explicit, startDir string) (Runtime, string, error) {
	path := explicit
	if path == "" {
		found, ok, err := Find(startDir)
		if err != nil {
			return Runtime{}, "", err
		}
		if !ok {
			return Default(), "", nil
		}
		path = found
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Set applies one key = value override using the TOML key names.
func (r *Runtime) Set(key, val string) error {
	var err error
	switch key {
	case "jit":
		r.JIT, err = ParseJITMode(val)
	case "jit_threshold":
		_, err = fmt.Sscan(val, &r.JITThreshold)
	case "loop_threshold":
		_, err = fmt.Sscan(val, &r.LoopThreshold)
	case "gc_mode":
		r.GCMode, err = ParseGCMode(val)
	case "gc_threshold":
		r.GCThreshold, err = ParseSize(val)
	case "heap_initial":
		r.HeapInitial, err = ParseSize(val)
	case "heap_limit":
		r.HeapLimit, err = ParseSize(val)
	case "trace_jit":
		_, err = fmt.Sscan(val, &r.TraceJIT)
	case "gc_stats":
		_, err = fmt.Sscan(val, &r.GCStats)
	case "timeout":
		err = r.Timeout.UnmarshalText([]byte(val))
	case "jit_cache":
		r.JITCache = val
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
