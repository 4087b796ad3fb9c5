// Command conductor is the CLI boundary around the executor/mapreduce/
// checkpoint/dlq packages: run a workflow file, resume a checkpointed job,
// and inspect or replay its checkpoints and dead-letter entries. Grounded on
// station's cmd/main (cobra command tree, viper env binding, a package-level
// rootCmd wired up from init()) but reduced to a thin boundary — no
// agent-template library, no progress TUI, no analytics, just the
// subcommands that call directly into the core packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conductor/internal/agent"
	"conductor/internal/checkpoint"
	"conductor/internal/dlq"
	"conductor/internal/executor"
	"conductor/internal/gitops"
	"conductor/internal/logging"
)

// Exit codes, per spec.md §6.5.
const (
	exitSuccess           = 0
	exitGeneralError      = 1
	exitArgumentError     = 2
	exitValidationError   = 3
	exitInterruptedSignal = 130
)

var (
	cfgFile          string
	debugMode        bool
	automationMode   bool
	useLocalStorage  bool
	claudeStreaming  bool
	parentRepo       string
	targetBranch     string
	credentialsToken string
	credentialsEnv   string
	agentBinary      string

	rootCmd = &cobra.Command{
		Use:           "conductor",
		Short:         "Run and inspect map-reduce coding workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./conductor.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&automationMode, "automation", false, "automation mode: suppress interactive prompts")
	rootCmd.PersistentFlags().BoolVar(&useLocalStorage, "use-local-storage", false, "force the project-relative base dir instead of a global one")
	rootCmd.PersistentFlags().BoolVar(&claudeStreaming, "claude-streaming", false, "tee AI command output to the log as it streams")
	rootCmd.PersistentFlags().StringVar(&parentRepo, "repo", ".", "path to the parent git repository a job's worktrees fan out from")
	rootCmd.PersistentFlags().StringVar(&targetBranch, "target-branch", "", "branch worktrees merge back into (default: the repo's current branch)")
	rootCmd.PersistentFlags().StringVar(&credentialsToken, "git-token", "", "token used to authenticate the push of the merged target branch")
	rootCmd.PersistentFlags().StringVar(&credentialsEnv, "git-token-env", "GIT_TOKEN", "environment variable to read the git token from when --git-token is unset")
	rootCmd.PersistentFlags().StringVar(&agentBinary, "agent-binary", "", "AI coding assistant CLI binary agent: steps shell out to (unset disables agent: steps)")

	viper.BindPFlag("automation", rootCmd.PersistentFlags().Lookup("automation"))
	viper.BindPFlag("use_local_storage", rootCmd.PersistentFlags().Lookup("use-local-storage"))
	viper.BindPFlag("claude_streaming", rootCmd.PersistentFlags().Lookup("claude-streaming"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(dlqCmd)

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsPruneCmd)

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReprocessCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("conductor")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CONDUCTOR")
	viper.BindEnv("automation", "CONDUCTOR_AUTOMATION")
	viper.BindEnv("use_local_storage", "CONDUCTOR_USE_LOCAL_STORAGE")
	viper.BindEnv("claude_streaming", "CONDUCTOR_CLAUDE_STREAMING")

	_ = viper.ReadInConfig()

	automationMode = automationMode || viper.GetBool("automation")
	useLocalStorage = useLocalStorage || viper.GetBool("use_local_storage")
	claudeStreaming = claudeStreaming || viper.GetBool("claude_streaming")
}

func initLogging() {
	logging.Initialize(debugMode || viper.GetBool("debug"))
}

// baseDir resolves the checkpoint/DLQ/event root: use-local-storage forces
// it to a directory relative to the parent repo (spec.md §6.5), otherwise it
// lives under the user's home directory so concurrent jobs against
// different repos don't collide on relative paths.
func baseDir() string {
	if useLocalStorage {
		return filepath.Join(parentRepo, ".conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

func newExecutor() *executor.WorkflowExecutor {
	var creds *gitops.Credentials
	if credentialsToken != "" || credentialsEnv != "" {
		creds = gitops.NewCredentials(credentialsToken, credentialsEnv)
	}
	return executor.New(executor.Deps{
		Fs:           afero.NewOsFs(),
		BaseDir:      baseDir(),
		ParentRepo:   parentRepo,
		TargetBranch: targetBranch,
		Credentials:  creds,
		Commands:     newCommandExecutor(),
	})
}

func newCommandExecutor() *agent.CommandExecutor {
	return agent.NewCommandExecutor(newTransport())
}

// newTransport builds the agent: step transport from --agent-binary, nil if
// unset (agent: steps then fail fast with agent.ErrNoTransport rather than
// silently no-opping).
func newTransport() agent.Transport {
	if agentBinary == "" {
		return nil
	}
	t := agent.NewCLITransport(agentBinary)
	t.Stream = claudeStreaming
	return t
}

func newCheckpointStore() *checkpoint.Store {
	return checkpoint.NewStore(afero.NewOsFs(), baseDir())
}

func newDLQStore() *dlq.Store {
	return dlq.NewStore(afero.NewOsFs(), baseDir())
}

// reprocessOwner identifies this process in a persisted DLQ reprocess lock,
// so a stale lock left by a crashed invocation can be told apart from a
// genuinely live one when debugging.
func reprocessOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, and a stop
// func the caller must defer.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		return classifyExitCode(err)
	}
	return exitSuccess
}

// classifyExitCode maps a returned error to one of spec.md §6.5's exit
// codes. Subcommands that need exitArgumentError or exitInterruptedSignal
// wrap the error in exitCodeError themselves; anything else surfacing from
// workflow.LoadFile's validation is recognized by errors.Is against
// workflow.ErrValidation in each command's RunE, so by the time an error
// reaches here unwrapped it's a general failure.
func classifyExitCode(err error) int {
	fmt.Fprintln(os.Stderr, "conductor:", err)
	if coded, ok := err.(*exitCodeError); ok {
		return coded.code
	}
	return exitGeneralError
}

// exitCodeError lets a subcommand's RunE pin a specific exit code to an
// error without main needing to re-inspect error kinds it already
// classified.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}
