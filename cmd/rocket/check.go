package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [definitions-path]",
		Short: "Load and validate definition files without touching the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.cfg.Definitions.Path
			if len(args) == 1 {
				path = args[0]
			}
			reg, err := loadRegistry(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range reg.AllEntities() {
				fmt.Fprintf(out, "%-24s table=%s fields=%d relations=%d\n", e.Name, e.Table, len(e.Fields), len(e.Relations))
			}
			fmt.Fprintf(out, "%d collection(s) ok\n", len(reg.AllEntities()))
			return nil
		},
	}
}
