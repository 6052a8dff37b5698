package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"momentum/api/internal/rollup"
)

// errDivergent makes verify exit non-zero when a Mission is out of line.
var errDivergent = errors.New("mission diverges from its leaves")

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <missionID>",
		Short: "Compare a Mission's stored progress with a recomputation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd, v)
			if err != nil {
				return err
			}
			defer e.Close()

			divergences, err := e.checker.VerifyTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				if err := writeJSON(cmd.OutOrStdout(), divergences); err != nil {
					return err
				}
			} else {
				printDivergences(cmd.OutOrStdout(), args[0], divergences)
			}
			if len(divergences) > 0 {
				return errDivergent
			}
			return nil
		},
	}
}

func newRepairCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <missionID>",
		Short: "Recompute a Mission from its Actions and persist the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd, v)
			if err != nil {
				return err
			}
			defer e.Close()

			before, err := e.checker.VerifyTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := e.engine.Recompute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"missionId": args[0],
					"repaired":  before,
					"mission":   res.Mission,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repaired %s: %d divergent node(s), progress now %.2f%%\n",
				args[0], len(before), res.Mission.Progress)
			return nil
		},
	}
}

func printDivergences(w io.Writer, missionID string, divergences []rollup.Divergence) {
	if len(divergences) == 0 {
		fmt.Fprintf(w, "%s: consistent\n", missionID)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tNODE\tSTORED\tRECOMPUTED\tTARGET\tCURRENT")
	for _, d := range divergences {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%g/%g\t%g/%g\n",
			d.Level, d.NodeID,
			d.StoredProgress, d.RecomputedProgress,
			d.StoredTarget, d.RecomputedTarget,
			d.StoredCurrent, d.RecomputedCurrent,
		)
	}
	tw.Flush()
}
