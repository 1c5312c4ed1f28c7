package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kelden/warden/internal/audit"
	"github.com/kelden/warden/internal/config"
	"github.com/kelden/warden/internal/daemon"
	"github.com/kelden/warden/internal/storage"
	"github.com/kelden/warden/internal/storage/sqlite"
	"github.com/kelden/warden/internal/task"
	"github.com/kelden/warden/pkg/types"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	jsonOutput bool
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Worker pool supervisor",
	Long: `Warden supervises a fixed-size pool of long-running worker processes.
It feeds them tasks from a bounded priority queue, retries failures up
to a per-task budget, walks unhealthy workers through an escalating
repair ladder, and carries task context across workers so interrupted
work resumes instead of starting over.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the warden daemon",
	Long:  `Starts the supervisor: launches the worker pool and watches the inbox for task requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := config.GetProjectDir()
		if err != nil {
			return fmt.Errorf("failed to find project directory: %w", err)
		}

		d, err := daemon.New(projectDir)
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		d.SetVerbose(verbose)

		return d.Run(context.Background())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize warden in current directory",
	Long:  `Creates the .warden directory structure and default configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}

		cfg, err := config.Load(cwd)
		if err != nil {
			return fmt.Errorf("failed to load/create config: %w", err)
		}

		if err := config.EnsureDirectories(cwd, cfg); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}

		if jsonOutput {
			return printJSON(InitResponse{
				Message: "initialized",
				Path:    cwd,
				Directories: map[string]string{
					"inbox":      cfg.Paths.Inbox,
					"logs":       cfg.Paths.Logs,
					"workspaces": cfg.Paths.Workspaces,
				},
			})
		}

		fmt.Println("Initialized warden in", cwd)
		fmt.Println("\nCreated directories:")
		fmt.Printf("  %s/\n", cfg.Paths.Inbox)
		fmt.Printf("  %s/\n", cfg.Paths.Logs)
		fmt.Printf("  %s/\n", cfg.Paths.Workspaces)
		fmt.Println("\nEdit .warden/config.yaml to customize settings.")
		fmt.Println("  1. Run the daemon: warden daemon")
		fmt.Println("  2. Submit a task: warden submit --type build")
		return nil
	},
}

var (
	submitType        string
	submitPayload     string
	submitPriority    int
	submitTimeout     int
	submitMaxAttempts int
	submitSteps       []string
)

var submitCmd = &cobra.Command{
	Use:   "submit [request.yaml]",
	Short: "Submit a task request",
	Long: `Submits a task request to the daemon's inbox. Pass a YAML or JSON
request file, or describe the task with flags. Requests are validated
before they are dropped into the inbox.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, err := config.GetProjectDir()
		if err != nil {
			return fmt.Errorf("failed to find project directory: %w", err)
		}

		cfg, err := config.Load(projectDir)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := config.EnsureDirectories(projectDir, cfg); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}

		var content []byte
		var filename string
		if len(args) == 1 {
			content, err = os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read request file: %w", err)
			}
			filename = filepath.Base(args[0])
		} else {
			spec := types.TaskSpec{
				Type:        submitType,
				Priority:    submitPriority,
				MaxAttempts: submitMaxAttempts,
				TimeoutSecs: submitTimeout,
				Steps:       submitSteps,
			}
			if submitPayload != "" {
				if err := json.Unmarshal([]byte(submitPayload), &spec.Payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}
			content, err = yaml.Marshal(spec)
			if err != nil {
				return fmt.Errorf("failed to encode request: %w", err)
			}
			filename = fmt.Sprintf("req-%d.yaml", time.Now().UnixNano())
		}

		spec, err := task.ParseSpec(content)
		if err != nil {
			return fmt.Errorf("invalid request: %w", err)
		}

		dstPath := filepath.Join(projectDir, cfg.Paths.Inbox, filename)
		if err := os.WriteFile(dstPath, content, 0644); err != nil {
			return fmt.Errorf("failed to write request: %w", err)
		}

		if jsonOutput {
			return printJSON(SubmitResponse{
				Message:  "request queued for pickup",
				Filename: filename,
				Location: dstPath,
				Type:     spec.Type,
			})
		}

		fmt.Printf("Submitted request: %s (%s)\n", filename, spec.Type)
		fmt.Printf("Location: %s\n", dstPath)
		fmt.Println("\nThe daemon will pick this up automatically if running.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker pool status",
	Long:  `Shows the latest recorded status snapshot of every worker in the pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, cfg, err := loadProject()
		if err != nil {
			return err
		}

		store, err := openStore(projectDir, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := store.ListWorkers(context.Background())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(StatusResponse{Workers: workers})
		}

		if len(workers) == 0 {
			fmt.Println("No worker snapshots recorded yet. Is the daemon running?")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPID\tSTATE\tTASK\tDONE\tFAILED\tLAST RESPONSE")
		for _, info := range workers {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
				info.ID, info.PID, info.State, orDash(info.TaskID),
				info.TasksCompleted, info.TasksFailed,
				info.LastResponse.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	Long:  `Lists the most recent tasks recorded in the history store, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, cfg, err := loadProject()
		if err != nil {
			return err
		}

		store, err := openStore(projectDir, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.ListTasks(context.Background(), listLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(ListResponse{Tasks: tasks})
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tATTEMPTS\tPRIORITY\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
				t.ID, truncate(t.Type, 24), t.State, t.Attempts, t.MaxAttempts,
				t.Priority, t.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var escLimit int

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "Show escalated tasks",
	Long:  `Shows tasks that exhausted their attempt budget and need human attention.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, cfg, err := loadProject()
		if err != nil {
			return err
		}

		store, err := openStore(projectDir, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		escs, err := store.ListEscalations(context.Background(), escLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(EscalationsResponse{Escalations: escs})
		}

		if len(escs) == 0 {
			fmt.Println("No escalations recorded")
			return nil
		}

		ids := make([]string, 0, len(escs))
		for _, e := range escs {
			ids = append(ids, e.Task.ID)
		}
		highlights := formatIDHighlights(ids)

		for _, e := range escs {
			fmt.Printf("%s  %s\n", e.Time.Format("2006-01-02 15:04:05"), highlights[e.Task.ID])
			fmt.Printf("  Type:       %s\n", e.Task.Type)
			fmt.Printf("  Attempts:   %d\n", e.Attempts)
			fmt.Printf("  Category:   %s\n", e.Category)
			fmt.Printf("  Last error: %s\n", truncate(e.LastError, 100))
			fmt.Printf("  Suggestion: %s\n", e.Suggestion)
			fmt.Println()
		}
		return nil
	},
}

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long:  `Shows the tail of the append-only audit log of pool events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectDir, cfg, err := loadProject()
		if err != nil {
			return err
		}

		entries, err := audit.Read(filepath.Join(projectDir, cfg.Audit.Path))
		if err != nil {
			return err
		}
		if auditLimit > 0 && len(entries) > auditLimit {
			entries = entries[len(entries)-auditLimit:]
		}

		if jsonOutput {
			return printJSON(AuditResponse{Entries: entries})
		}

		if len(entries) == 0 {
			fmt.Println("Audit log is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tDETAILS")
		for _, e := range entries {
			details, _ := json.Marshal(e.Payload)
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				e.Time.Local().Format("15:04:05"), e.Event, truncate(string(details), 90))
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")

	daemonCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	submitCmd.Flags().StringVar(&submitType, "type", "", "Task type")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "Task payload as a JSON object")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Priority (lower runs first)")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 0, "Timeout in seconds (0 uses the configured default)")
	submitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "Attempt budget (0 uses the configured default)")
	submitCmd.Flags().StringArrayVar(&submitSteps, "step", nil, "Declared step name (repeatable)")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum tasks to show")
	escalationsCmd.Flags().IntVar(&escLimit, "limit", 20, "Maximum escalations to show")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(escalationsCmd)
	rootCmd.AddCommand(auditCmd)
}

func loadProject() (string, *types.Config, error) {
	projectDir, err := config.GetProjectDir()
	if err != nil {
		return "", nil, fmt.Errorf("failed to find project directory: %w", err)
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	return projectDir, cfg, nil
}

func openStore(projectDir string, cfg *types.Config) (storage.Store, error) {
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history store is disabled in config")
	}
	path := filepath.Join(projectDir, cfg.History.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return sqlite.New(path)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
