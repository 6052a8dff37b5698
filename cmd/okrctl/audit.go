package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"momentum/api/internal/report"
)

func newAuditCmd(v *viper.Viper) *cobra.Command {
	var (
		concurrency int
		repair      bool
		upload      bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify every Mission, optionally repairing and uploading a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer e.Close()

			var sink *report.ObjectSink
			if upload {
				sink, err = report.NewObjectSink(e.cfg.ReportEndpoint, e.cfg.ReportAccessKey, e.cfg.ReportSecretKey, e.cfg.ReportBucket, e.cfg.ReportUseSSL)
				if err != nil {
					return err
				}
				if err := sink.EnsureBucket(ctx); err != nil {
					return err
				}
			}

			ids, err := e.store.ListMissionIDs(ctx)
			if err != nil {
				return err
			}
			opts := report.AuditOptions{Concurrency: concurrency}
			if repair {
				opts.Repairer = e.engine
			}
			r, err := report.Audit(ctx, e.checker, ids, opts)
			if err != nil {
				return err
			}
			e.logger.Info("audit finished",
				"missions", r.Missions,
				"divergent", r.Divergent,
				"repaired", r.Repaired,
				"failed", r.Failed,
			)

			if sink != nil {
				name, err := report.Upload(ctx, sink, r)
				if err != nil {
					return err
				}
				e.logger.Info("audit report uploaded", "bucket", e.cfg.ReportBucket, "object", name)
			}

			if jsonOutput(cmd) {
				if err := writeJSON(cmd.OutOrStdout(), r); err != nil {
					return err
				}
			} else {
				printAudit(cmd, r)
			}
			if r.Failed > 0 {
				return fmt.Errorf("audit: %d mission(s) could not be checked or repaired", r.Failed)
			}
			if r.Divergent > r.Repaired {
				return errDivergent
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "missions checked in parallel")
	cmd.Flags().BoolVar(&repair, "repair", false, "recompute divergent missions")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the report to REPORT_ENDPOINT/REPORT_BUCKET")
	return cmd
}

func printAudit(cmd *cobra.Command, r report.Report) {
	out := cmd.OutOrStdout()
	for _, entry := range r.Entries {
		switch {
		case entry.Error != "":
			fmt.Fprintf(out, "%s: error: %s\n", entry.MissionID, entry.Error)
		case len(entry.Divergences) == 0:
			continue
		case entry.Repaired:
			fmt.Fprintf(out, "%s: repaired %d divergent node(s)\n", entry.MissionID, len(entry.Divergences))
		default:
			printDivergences(out, entry.MissionID, entry.Divergences)
		}
	}
	fmt.Fprintf(out, "missions=%d divergent=%d repaired=%d failed=%d\n", r.Missions, r.Divergent, r.Repaired, r.Failed)
}
