package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sidecar/pkg/client"
)

func main() {
	root := buildRoot(&GlobalFlags{}, nil)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command. A nil cmd builds the default command
// bound to globalFlags.
func buildRoot(globalFlags *GlobalFlags, c *command) *cobra.Command {
	if c == nil {
		c = newCommand(globalFlags)
	}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c),
		createServeCommand(c),
		createReclaimCommand(c),
		createHealthCommand(c),
		createLogsCommand(c),
		createStatusCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createEventsCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Backend process supervisor",
		Long: `Sidecar launches the bundled backend, frees its ports from stale
instances, waits for its health endpoint and stops it cleanly.

Examples:
  sidecar run --config=sidecar.toml
  sidecar serve                              # run plus control API
  sidecar reclaim --port=8001
  sidecar status --api-url=http://127.0.0.1:8787/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML/YAML/JSON config file (optional)")
	return root
}

func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	cmd.Flags().DurationVar(&f.StopTimeout, "stop-timeout", 0, "shutdown deadline (default grace period + 5s)")
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the backend and supervise it in the foreground",
		Long: `Reclaim the backend's ports, start it and wait for its health endpoint.
The backend is stopped on SIGINT/SIGTERM. A backend crash stops the supervisor
with a non-zero exit status.`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Run(*f) },
	}
	addRunFlags(cmd, f)
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with its control API",
		Long: `Like run, and also serves the control API (status, start, stop, restart,
reclaim, events, metrics) on [server].listen and Prometheus metrics on
[metrics].listen when set.

Examples:
  sidecar serve
  sidecar serve --listen=127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Serve(*f) },
	}
	addRunFlags(cmd, f)
	cmd.Flags().StringVar(&f.Listen, "listen", "", "control API address (overrides server.listen)")
	return cmd
}

func createReclaimCommand(c *command) *cobra.Command {
	f := &ReclaimFlags{}
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Free the backend ports from stale application processes",
		Long: `Kill processes listening on the port whose command line matches
[ports].pattern. Other listeners are left alone. Without --port every
configured port is reclaimed.`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.Reclaim(*f) },
	}
	cmd.Flags().IntVar(&f.Port, "port", 0, "port to reclaim (default: all configured ports)")
	return cmd
}

func createHealthCommand(c *command) *cobra.Command {
	f := &HealthFlags{}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Poll a health endpoint until it answers 2xx",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Health(*f) },
	}
	cmd.Flags().StringVar(&f.URL, "url", "", "health URL (default: health.url)")
	cmd.Flags().IntVar(&f.MaxAttempts, "max-attempts", 0, "attempt budget (default: health.max_attempts)")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "delay between attempts (default: health.interval)")
	return cmd
}

func createLogsCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Diagnostic log maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Apply the log retention policy now",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.LogsSweep() },
	})
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "control API URL (default "+client.DefaultBaseURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 2*time.Minute, "request timeout")
}

func createStatusCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend status from a running supervisor",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Status(*f) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend of a running supervisor",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Stop(*f) },
	}
	addAPIFlags(cmd, f)
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "deadline after which the stop escalates")
	return cmd
}

func createRestartCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend of a running supervisor",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Restart(*f) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createEventsCommand(c *command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent supervisor events",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Events(*f) },
	}
	addAPIFlags(cmd, f)
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "number of events")
	return cmd
}
