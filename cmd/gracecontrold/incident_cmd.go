package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aaron031291/grace-controlplane/internal/control/incident"
)

var (
	incidentLogDir      string
	incidentStatus      string
	incidentFailureMode string
	incidentLimit       int
)

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Inspect recorded incidents",
}

var incidentQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query incidents by status or failure mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := incident.Open(incidentLogDir)
		if err != nil {
			return fmt.Errorf("open incident log: %w", err)
		}
		defer log.Close()

		found, err := log.Query(incident.QueryFilter{
			Status:      incident.Status(incidentStatus),
			FailureMode: incidentFailureMode,
			Limit:       incidentLimit,
		})
		if err != nil {
			return fmt.Errorf("query incident log: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, inc := range found {
			if err := enc.Encode(inc); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	incidentCmd.AddCommand(incidentQueryCmd)
	incidentQueryCmd.Flags().StringVar(&incidentLogDir, "log-dir", "./grace-data/incidents", "directory holding the incident log")
	incidentQueryCmd.Flags().StringVar(&incidentStatus, "status", "", "filter by status (detected, in_progress, resolved, failed, escalated)")
	incidentQueryCmd.Flags().StringVar(&incidentFailureMode, "failure-mode", "", "filter by failure mode")
	incidentQueryCmd.Flags().IntVar(&incidentLimit, "limit", 100, "maximum records to return")
}
