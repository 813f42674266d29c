package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/executor/client"
	"github.com/dispatchd/dispatchd/internal/task/repository"
	tasksvc "github.com/dispatchd/dispatchd/internal/task/service"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Operator CLI for the dispatchd executor service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newMarkFixedCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newListCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openTasks opens the storage collaborator directly, for the commands
// that read or administer tasks without going through the executor.
func openTasks(ctx context.Context, cfg *config.Config) (*tasksvc.Service, func(), error) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		return nil, nil, err
	}

	var repo repository.Repository
	switch cfg.Storage.Driver {
	case "memory":
		return nil, nil, errors.New("memory storage is private to the executor process; use sqlite or postgres")
	case "sqlite":
		repo, err = repository.NewSQLiteRepository(cfg.Storage.Path)
	case "postgres":
		repo, err = repository.NewPostgresRepository(ctx, cfg.Storage.DSN(), cfg.Storage.MaxConns, cfg.Storage.MinConns)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task storage: %w", err)
	}

	return tasksvc.NewService(repo, log), func() { _ = repo.Close() }, nil
}

func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Submit a task to the executor service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			workspace, _ := cmd.Flags().GetString("workspace")
			if workspace == "" {
				if workspace, err = os.Getwd(); err != nil {
					return err
				}
			}
			priority, _ := cmd.Flags().GetString("priority")
			model, _ := cmd.Flags().GetString("model")
			agentType, _ := cmd.Flags().GetString("agent")
			taskID, _ := cmd.Flags().GetString("task-id")
			userID, _ := cmd.Flags().GetString("user")
			taskContext, _ := cmd.Flags().GetString("context")

			params := client.SubmitParams{
				TaskID:      taskID,
				Description: args[0],
				Workspace:   workspace,
				UserID:      userID,
				Priority:    priority,
				Model:       model,
				AgentType:   agentType,
			}
			if taskContext != "" {
				params.Context = &taskContext
			}

			c := client.New(cfg.Executor.SocketPath)
			id, err := c.SubmitTask(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Printf("Queued task %s\n", id)
			return nil
		},
	}

	cmd.Flags().String("workspace", "", "filesystem root the agent operates in (default: current directory)")
	cmd.Flags().String("priority", "NORMAL", "task priority: LOW, NORMAL or HIGH")
	cmd.Flags().String("model", "", "model identifier forwarded to the agent")
	cmd.Flags().String("agent", "", "agent type forwarded to the agent")
	cmd.Flags().String("task-id", "", "explicit task id (default: generated)")
	cmd.Flags().String("user", "operator", "owner id recorded on the task")
	cmd.Flags().String("context", "", "supplementary free-text context")
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show executor service liveness and load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c := client.New(cfg.Executor.SocketPath)
			health, err := c.GetHealth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("status:  healthy\nactive:  %d\nqueued:  %d\nuptime:  %s\n",
				health.ActiveTasks, health.QueuedTasks,
				(time.Duration(health.UptimeSeconds) * time.Second).String())
			return nil
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Terminate a running task's agent process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c := client.New(cfg.Executor.SocketPath)
			stopped, err := c.StopTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if stopped {
				fmt.Printf("Termination signal sent to task %s\n", args[0])
			} else {
				fmt.Printf("Task %s has no running session\n", args[0])
			}
			return nil
		},
	}
}

func newMarkFixedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-fixed <task-id>",
		Short: "Mark a failed task completed (failure remedied out of band)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tasks, closeRepo, err := openTasks(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			if err := tasks.MarkFixed(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s marked completed\n", args[0])
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task's state and activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tasks, closeRepo, err := openTasks(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			task, err := tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tasks, closeRepo, err := openTasks(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeRepo()

			all, err := tasks.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCREATED\tDESCRIPTION")
			for _, task := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					task.ID, task.Status, task.Priority,
					task.CreatedAt.Format(time.RFC3339), truncate(task.Description, 60))
			}
			return w.Flush()
		},
	}
}

func printTask(task *v1.Task) {
	fmt.Printf("id:          %s\n", task.ID)
	fmt.Printf("owner:       %s\n", task.OwnerID)
	fmt.Printf("status:      %s\n", task.Status)
	fmt.Printf("priority:    %s\n", task.Priority)
	fmt.Printf("workspace:   %s\n", task.Workspace)
	fmt.Printf("description: %s\n", task.Description)
	if task.Workflow != nil {
		fmt.Printf("workflow:    %s\n", *task.Workflow)
	}
	if task.PID != nil {
		fmt.Printf("pid:         %d\n", *task.PID)
	}
	if task.Result != nil {
		fmt.Printf("result:      %s\n", *task.Result)
	}
	if task.Error != nil {
		fmt.Printf("error:       %s\n", *task.Error)
	}
	fmt.Printf("created:     %s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated:     %s\n", task.UpdatedAt.Format(time.RFC3339))
	if len(task.ActivityLog) > 0 {
		fmt.Println("activity:")
		for _, entry := range task.ActivityLog {
			fmt.Printf("  %s  [%4.0fs]  %s\n",
				entry.Timestamp.Format("15:04:05"), entry.ElapsedSeconds, entry.Message)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
