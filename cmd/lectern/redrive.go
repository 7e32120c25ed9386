package lectern

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/pkg/bus"
)

var redriveLimit int

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Move dead-lettered chunk jobs back onto the work queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		mq, err := bus.Connect(cfg.Bus.URL, bus.Topology{
			Exchange:   cfg.Bus.Exchange,
			Queue:      cfg.Bus.Queue,
			DLQ:        cfg.Bus.DLQ,
			RoutingKey: cfg.Bus.RoutingKey,
		})
		if err != nil {
			return err
		}
		defer mq.Close()

		moved, err := mq.Redrive(cmd.Context(), redriveLimit)
		if err != nil {
			return err
		}
		fmt.Printf("redrove %d job(s)\n", moved)
		return nil
	},
}

func init() {
	redriveCmd.Flags().IntVar(&redriveLimit, "limit", 100, "maximum jobs to move")
}
