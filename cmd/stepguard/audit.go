package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/stepguard/internal/security"
)

var (
	auditWorkflow string
	auditTool     string
	auditCaller   string
	auditOutcome  string
	auditSince    time.Duration
	auditLimit    int
	auditJSON     bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the persisted audit log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage == nil {
			return errors.New("audit queries need the storage section; without it records only go to the JSONL file")
		}

		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
		}
		ctx := context.Background()
		store, err := initStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		f := security.AuditFilter{
			WorkflowID:     auditWorkflow,
			ToolName:       auditTool,
			CallerIdentity: auditCaller,
			Outcome:        security.Outcome(auditOutcome),
			Limit:          auditLimit,
		}
		if auditSince > 0 {
			f.Since = time.Now().UTC().Add(-auditSince)
		}
		records, err := security.NewAuditLog(logger, security.WithStore(store.Audit())).Query(ctx, f)
		if err != nil {
			return err
		}

		if auditJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tWORKFLOW\tSTEP\tTOOL\tCALLER\tATTEMPT\tRISK\tCONFIRMATION\tOUTCOME\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%d\t%.2f\t%s\t%s\t%s\n",
				r.Seq, r.Timestamp.Format(time.RFC3339), r.WorkflowID, r.StepIndex, r.ToolName,
				r.CallerIdentity, r.Attempt, r.RiskScore, r.Confirmation, r.Outcome, r.Error)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditWorkflow, "workflow", "", "filter by workflow id")
	auditCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool name")
	auditCmd.Flags().StringVar(&auditCaller, "caller", "", "filter by caller identity")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "filter by outcome")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only records newer than this (e.g. 24h)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum records (0 = all)")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "print records as JSON")
}
