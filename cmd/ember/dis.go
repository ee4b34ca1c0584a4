package main

import (
	"github.com/spf13/cobra"

	"ember/internal/bytecode"
)

var disCmd = &cobra.Command{
	Use:   "dis <module.emb|module.ems>",
	Short: "Print a module as assembly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := loadModule(args[0])
		if err != nil {
			return err
		}
		return bytecode.Disassemble(cmd.OutOrStdout(), src.Module)
	},
}
