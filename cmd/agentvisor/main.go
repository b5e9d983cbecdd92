package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	// Under the Windows service manager the same command line runs with a
	// context cancelled by the service Stop control.
	handled, err := runAsService(root.ExecuteContext)
	if !handled {
		err = root.Execute()
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags override the matching config keys when set.
type RunFlags struct {
	InstallDir string
	LockFile   string
	PIDFile    string
	LogLevel   string
}

// StatusFlags select the daemon to query.
type StatusFlags struct {
	Name       string
	PIDFile    string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createStatusCommand(&StatusFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentvisor",
		Short: "Supervisor for the monitoring agent's worker processes",
		Long: `agentvisor starts the agent's workers (forwarder, collector, dogstatsd,
jmxfetch) in order, restarts the ones that die within a restart budget and
stops them in reverse order on shutdown.

Examples:
  agentvisor run --config=/etc/agentvisor/agentvisor.toml
  agentvisor status
  agentvisor status --name=collector --api-url=http://127.0.0.1:5002/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		Long: `Run the supervisor until SIGINT or SIGTERM. Workers are stopped in reverse
order before the command returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runSupervisor(ctx, globalFlags.ConfigPath, *flags, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&flags.InstallDir, "install-dir", "", "agent install root (default: discovered from the executable)")
	cmd.Flags().StringVar(&flags.LockFile, "lock-file", "", "single-instance lock file")
	cmd.Flags().StringVar(&flags.PIDFile, "pid-file", "", "write the supervisor pid to this file")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker status from a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "only this worker")
	cmd.Flags().StringVar(&flags.PIDFile, "pid-file", "", "check the supervisor pid file before querying the API")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:5002/api", "status API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agentvisor %s\n", version)
		},
	}
}
