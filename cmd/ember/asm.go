package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ember/internal/bytecode"
)

var asmCmd = &cobra.Command{
	Use:   "asm [flags] <module.ems>",
	Short: "Assemble a text module into the binary format",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssemble,
}

func init() {
	asmCmd.Flags().StringP("output", "o", "", "output path (default: input with .emb extension)")
}

func runAssemble(cmd *cobra.Command, args []string) error {
	in := args[0]
	out, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	if out == "" {
		out = strings.TrimSuffix(in, filepath.Ext(in)) + ".emb"
	}

	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", in, err)
	}
	defer f.Close()
	mod, err := bytecode.Assemble(f)
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	if err := bytecode.WriteFile(out, mod); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d functions)\n", out, len(mod.Functions))
	}
	return nil
}
