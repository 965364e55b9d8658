package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and control running tasks",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List active tasks",
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksCancel,
			},
			{
				Name:      "dismiss",
				Usage:     "Remove a finished task from the list",
				ArgsUsage: "<task_id>",
				Action:    runTasksDismiss,
			},
		},
		DefaultCommand: "list",
	}
}

func progressText(t tasks.Task) string {
	p := t.Progress
	switch {
	case p == nil:
		if t.Status == tasks.StatusCompleted {
			return "100%"
		}
		return "-"
	case p.BytesTotal > 0:
		return fmt.Sprintf("%d%% (%s / %s)", p.Percentage, downloads.FormatSize(p.BytesDone), downloads.FormatSize(p.BytesTotal))
	case p.BytesDone > 0:
		return downloads.FormatSize(p.BytesDone)
	case p.Stage != "":
		return p.Stage
	default:
		return "-"
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	list, err := c.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tSUBJECT")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.Status, progressText(t), t.Subject)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "tasks show <task_id>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	t, err := c.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Kind:        %s\n", t.Kind)
	fmt.Printf("Subject:     %s\n", t.Subject)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Progress:    %s\n", progressText(t))
	fmt.Printf("Created:     %s\n", formatTime(t.CreatedAt))
	fmt.Printf("Updated:     %s\n", formatTime(t.UpdatedAt))
	if t.Error != "" {
		fmt.Printf("\nError: %s\n", t.Error)
	}

	if len(t.Meta) > 0 {
		keys := make([]string, 0, len(t.Meta))
		for k := range t.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\nMeta:")
		for _, k := range keys {
			fmt.Printf("  %s: %s\n", k, t.Meta[k])
		}
	}
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "tasks cancel <task_id>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	if err := c.CancelTask(ctx, id); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Printf("Cancellation requested for %s.\n", id)
	return nil
}

func runTasksDismiss(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "tasks dismiss <task_id>")
	if err != nil {
		return err
	}
	c, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	if err := c.DismissTask(ctx, id); err != nil {
		return fmt.Errorf("dismiss task: %w", err)
	}
	fmt.Printf("Task %s dismissed.\n", id)
	return nil
}
