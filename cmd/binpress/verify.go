package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/socketsecurity/smol/internal/format"
	"github.com/socketsecurity/smol/internal/format/machofmt"
)

// newVerifyCmd builds the "binpress verify" diagnostic subcommand: given a
// candidate input executable, it reports the detected binary format and,
// for Mach-O, whether the image still carries DWARF debug sections (i.e.
// has not been stripped). An un-stripped input compresses worse and is
// worth flagging before it's handed to the pack step.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "verify <input>",
		Short:         "Report the detected format and strip status of an input executable",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(args[0])
		},
	}
}

func runVerify(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fmt_, err := format.Detect(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "format: %s\n", fmt_)

	if fmt_ != format.MachO {
		fmt.Fprintln(os.Stdout, "strip status: not checked (only Mach-O inputs are inspected)")
		return nil
	}

	hasDebug, err := machofmt.HasDebugInfo(data)
	if err != nil {
		return err
	}
	if hasDebug {
		fmt.Fprintln(os.Stdout, "strip status: contains DWARF debug sections (not stripped)")
	} else {
		fmt.Fprintln(os.Stdout, "strip status: stripped")
	}
	return nil
}
