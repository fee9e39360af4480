package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aaron031291/grace-controlplane/internal/control/audit"
)

var (
	auditLogDir string
	auditType   string
	auditSince  string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the immutable audit log",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit records",
	Long:  `Query the hash-chained audit log on disk without booting the control plane`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := audit.Open(auditLogDir)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer log.Close()

		if log.Degraded() {
			fmt.Fprintln(os.Stderr, "warning: audit chain verification failed, log is degraded")
		}

		filter := audit.QueryFilter{Type: auditType, Limit: auditLimit}
		if auditSince != "" {
			since, err := time.Parse(time.RFC3339, auditSince)
			if err != nil {
				return fmt.Errorf("invalid --since %q: %w", auditSince, err)
			}
			filter.Since = since
		}

		events, err := log.Query(filter)
		if err != nil {
			return fmt.Errorf("query audit log: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditQueryCmd)
	auditQueryCmd.Flags().StringVar(&auditLogDir, "log-dir", "./grace-data/audit", "directory holding immutable_audit.jsonl")
	auditQueryCmd.Flags().StringVar(&auditType, "type", "", "filter by event type (prefix match)")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "filter to events at or after this RFC3339 timestamp")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum records to return")
}
