package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/service"
)

var (
	enqueueAccountID string
	enqueueVehicleID string
	enqueuePayload   string
)

// enqueueCmd is the operator's manual trigger: it creates one posting
// job directly against the configured store, bypassing the HTTP API.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a posting job for a vehicle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueAccountID == "" {
			return fmt.Errorf("--account is required")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		components, err := service.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer components.Close()

		var job *schemas.Job
		if enqueuePayload != "" {
			payload := make(map[string]any)
			if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
				return fmt.Errorf("invalid --payload JSON: %w", err)
			}
			job, err = components.Scheduler.Enqueue(ctx, &schemas.EnqueueRequest{
				AccountID: enqueueAccountID,
				Payload:   payload,
			})
		} else {
			job, err = components.Scheduler.ManualTrigger(ctx, enqueueAccountID, enqueueVehicleID)
		}
		if err != nil {
			return err
		}

		observability.GetLogger().Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("account_id", job.AccountID),
			zap.Int("priority", job.Priority))
		fmt.Println(job.ID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueAccountID, "account", "", "account the job belongs to")
	enqueueCmd.Flags().StringVar(&enqueueVehicleID, "vehicle", "", "specific vehicle id (default: next eligible)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "raw JSON payload instead of a vehicle lookup")
	rootCmd.AddCommand(enqueueCmd)
}
