package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/internal/config"
	"github.com/dohr-michael/mal/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show whether the MAL daemon is running",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), heartbeatMaxAge)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Daemon: ALIVE (PID %d, uptime %s, %s)\n", hb.PID, hb.Uptime, hb.URL)
				fmt.Printf("Tasks: %d active, %d environment(s) running\n", hb.Tasks, hb.Running)
			case heartbeat.StatusStale:
				fmt.Printf("Daemon: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
				return nil
			case heartbeat.StatusDead:
				fmt.Println("Daemon: NOT RUNNING")
				return nil
			}

			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			h, err := c.Health(ctx)
			if err != nil {
				fmt.Printf("Gateway: UNREACHABLE (%v)\n", err)
				return nil
			}
			fmt.Printf("Gateway: %s, %d observer(s), %d event(s) published, %d observer(s) dropped\n",
				h.Status, h.Observers, h.Published, h.Dropped)
			return nil
		},
	}
}
