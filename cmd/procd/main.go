package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/procd"
)

func main() {
	procd.Init()

	root := buildRoot()
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createKillCommand(c),
		createReloadCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procd",
		Short: "Run a command as a supervised daemon",
		Long: `procd turns a command line into a daemon with a durable pid record,
graceful shutdown (SIGTERM), reload (SIGHUP) and bounded restarts.

Examples:
  procd run --config worker.toml       # foreground
  procd start --config worker.toml     # detach into the background
  procd reload --config worker.toml
  procd restart --config worker.toml --timeout 10s
  procd status --config worker.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "procd.toml", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level for the CLI itself")
	return root
}

func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := c.Run(cmd.Context())
			if err != nil {
				return err
			}
			if code != procd.ExitNormal {
				os.Exit(code)
			}
			return nil
		},
	}
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context())
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to shut down (SIGTERM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for the process to exit (0 = do not wait)")
	return cmd
}

func createKillCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Force the daemon to exit (SIGKILL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context())
		},
	}
}

func createReloadCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to reload (SIGHUP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reload(cmd.Context())
		},
	}
}

func createRestartCommand(c command) *cobra.Command {
	f := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon, wait for it to exit and start it again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", -1, "how long to wait for the old process (default: restart_timeout from config)")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the daemon status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}
