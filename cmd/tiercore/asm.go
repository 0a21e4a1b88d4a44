package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tiercore/internal/bytecode"
)

var asmCmd = &cobra.Command{
	Use:   "asm [flags] <program.tca>",
	Short: "Assemble a program into an image",
	Args:  cobra.ExactArgs(1),
	RunE:  asmExecution,
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <program.tca|program.tcb>",
	Short: "Print the listing of a program",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, err := bytecode.Load(args[0])
		if err != nil {
			return err
		}
		return bytecode.Disassemble(cmd.OutOrStdout(), prog)
	},
}

func init() {
	asmCmd.Flags().StringP("output", "o", "", "image path (default: input with .tcb extension)")
}

func asmExecution(cmd *cobra.Command, args []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to get output flag: %w", err)
	}
	input := args[0]
	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + ".tcb"
	}
	if output == input {
		return fmt.Errorf("output %s would overwrite the input", output)
	}
	prog, err := bytecode.Load(input)
	if err != nil {
		return err
	}
	if err := bytecode.WriteFile(output, prog); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d units)\n", output, len(prog.Units))
	return nil
}
