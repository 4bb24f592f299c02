package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/tddflow"
	"github.com/deepnoodle-ai/tddflow/git"
)

// CLI configuration
type Config struct {
	ProjectPath string
	RootDir     string
	PlanFile    string
	Results     string
	Force       bool
	Verbose     bool
	JSON        bool
}

func main() {
	config, command := parseFlags()

	logger := setupLogger(config.Verbose)

	session, err := tddflow.NewSession(tddflow.SessionOptions{
		ProjectPath: config.ProjectPath,
		RootDir:     config.RootDir,
		Git:         git.NewClient(config.ProjectPath),
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	ctx := context.Background()

	switch command {
	case "start":
		runStart(ctx, session, config)
	case "resume":
		runResume(ctx, session, config)
	case "status":
		runResumeQuiet(ctx, session)
		printStatus(session.Status(), config)
	case "next":
		runResumeQuiet(ctx, session)
		printNextAction(session.NextAction(), config)
	case "red", "green":
		runResume(ctx, session, config)
		result, err := parseTestResult(config.Results)
		if err != nil {
			log.Fatalf("Invalid -results value: %v", err)
		}
		if err := session.CompletePhase(ctx, result); err != nil {
			log.Fatalf("Failed to complete %s phase: %v", strings.ToUpper(command), err)
		}
		printNextAction(session.NextAction(), config)
	case "commit":
		runResume(ctx, session, config)
		if err := session.Commit(ctx); err != nil {
			log.Fatalf("Failed to commit subtask: %v", err)
		}
		printNextAction(session.NextAction(), config)
	case "finalize":
		runResume(ctx, session, config)
		if err := session.Finalize(ctx); err != nil {
			log.Fatalf("Failed to finalize workflow: %v", err)
		}
		color.Green("Workflow complete")
	case "abort":
		runResume(ctx, session, config)
		if err := session.Abort(ctx); err != nil {
			log.Fatalf("Failed to abort workflow: %v", err)
		}
		color.Yellow("Workflow aborted and state deleted")
	case "backups":
		runBackups(ctx, config)
	default:
		color.Red("Error: unknown command %q", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runStart(ctx context.Context, session *tddflow.Session, config *Config) {
	if config.PlanFile == "" {
		color.Red("Error: -plan is required for start")
		os.Exit(1)
	}
	color.Blue("Loading plan from: %s", config.PlanFile)
	plan, err := tddflow.LoadPlanFile(config.PlanFile)
	if err != nil {
		log.Fatalf("Failed to load plan: %v", err)
	}
	opts := plan.StartOptions()
	opts.Force = config.Force
	status, err := session.Start(ctx, opts)
	if err != nil {
		log.Fatalf("Failed to start workflow: %v", err)
	}
	color.Green("Started workflow for task %s on branch %s", status.TaskID, status.Branch)
	printNextAction(session.NextAction(), config)
}

func runResume(ctx context.Context, session *tddflow.Session, config *Config) {
	status, err := session.Resume(ctx)
	if err != nil {
		log.Fatalf("Failed to resume workflow: %v", err)
	}
	if config.Verbose {
		color.Cyan("Resumed task %s in phase %s", status.TaskID, status.Phase)
	}
}

// runResumeQuiet resumes if a persisted workflow exists; status and next
// work even when none does.
func runResumeQuiet(ctx context.Context, session *tddflow.Session) {
	_, _ = session.Resume(ctx)
}

func runBackups(ctx context.Context, config *Config) {
	checkpointer, err := tddflow.NewFileCheckpointer(tddflow.FileCheckpointerOptions{
		ProjectPath: config.ProjectPath,
		RootDir:     config.RootDir,
	})
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	backups, err := checkpointer.ListBackups(ctx)
	if err != nil {
		log.Fatalf("Failed to list backups: %v", err)
	}
	if len(backups) == 0 {
		color.Yellow("No backups found")
		return
	}
	for _, backup := range backups {
		fmt.Printf("%s  %s  phase=%s\n",
			backup.Name,
			backup.Timestamp.Format("2006-01-02 15:04:05"),
			backup.State.Phase)
	}
}

func printStatus(status *tddflow.SessionStatus, config *Config) {
	if config.JSON {
		printJSON(status)
		return
	}
	if status.TaskID == "" {
		color.Yellow("No active workflow")
		return
	}
	color.Cyan("Task: %s", status.TaskID)
	fmt.Printf("Phase: %s", status.Phase)
	if status.TDDPhase != tddflow.TDDPhaseNone {
		fmt.Printf(" / %s", status.TDDPhase)
	}
	fmt.Println()
	if status.Branch != "" {
		fmt.Printf("Branch: %s\n", status.Branch)
	}
	fmt.Printf("Progress: %d/%d subtasks (%d%%)\n",
		status.Progress.Completed, status.Progress.Total, status.Progress.Percentage)
	if status.CurrentSubtask != nil {
		fmt.Printf("Current subtask: %s (%s, attempt %d)\n",
			status.CurrentSubtask.ID, status.CurrentSubtask.Title, status.CurrentSubtask.Attempts)
	}
}

func printNextAction(action *tddflow.NextAction, config *Config) {
	if config.JSON {
		printJSON(action)
		return
	}
	color.Green("Next: %s", action.Action)
	fmt.Println(action.Description)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal output: %v", err)
	}
	fmt.Println(string(data))
}

// parseTestResult parses "total=5,passed=0,failed=5,skipped=0".
func parseTestResult(s string) (*tddflow.TestResult, error) {
	if s == "" {
		return nil, fmt.Errorf("use -results total=N,passed=N,failed=N,skipped=N")
	}
	result := &tddflow.TestResult{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid field %q", part)
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			return nil, fmt.Errorf("invalid count for %s: %w", kv[0], err)
		}
		switch kv[0] {
		case "total":
			result.Total = n
		case "passed":
			result.Passed = n
		case "failed":
			result.Failed = n
		case "skipped":
			result.Skipped = n
		default:
			return nil, fmt.Errorf("unknown field %q", kv[0])
		}
	}
	return result, nil
}

func parseFlags() (*Config, string) {
	config := &Config{}

	flag.StringVar(&config.ProjectPath, "project", ".", "Path to the project repository")
	flag.StringVar(&config.ProjectPath, "p", ".", "Path to the project repository (shorthand)")

	flag.StringVar(&config.RootDir, "root", "", "Checkpoint root directory (default ~/.taskmaster)")

	flag.StringVar(&config.PlanFile, "plan", "", "Path to the YAML plan file (required for start)")
	flag.StringVar(&config.PlanFile, "f", "", "Path to the YAML plan file (shorthand)")

	flag.StringVar(&config.Results, "results", "", "Test results as total=N,passed=N,failed=N,skipped=N (for red/green)")
	flag.StringVar(&config.Results, "r", "", "Test results (shorthand)")

	flag.BoolVar(&config.Force, "force", false, "Start over even if a workflow already exists")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	// Custom usage
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `TDD Workflow CLI - Drive a red/green/commit workflow per task

Usage: %s [options] <command>

Commands:
  start     Start a new workflow from a plan file
  resume    Resume the persisted workflow
  status    Show the current workflow position
  next      Show the recommended next action
  red       Complete the RED phase with test results
  green     Complete the GREEN phase with test results
  commit    Complete the COMMIT phase and advance
  finalize  Verify the tree is clean and complete the workflow
  abort     Abort the workflow and delete its state
  backups   List checkpoint backups for the project

Examples:
  # Start from a plan
  %s -plan task.yaml start

  # Report a failing test run for the RED phase
  %s -results total=5,passed=0,failed=5,skipped=0 red

  # Commit the subtask and move on
  %s commit

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() < 1 {
		color.Red("Error: a command is required")
		flag.Usage()
		os.Exit(1)
	}
	return config, flag.Arg(0)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	return tddflow.NewLogger(level)
}
