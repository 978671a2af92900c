package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command; out receives command output.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{flags: globalFlags, out: out}

	root := &cobra.Command{
		Use:   "slotr",
		Short: "Run one command per named slot and stream its output",
		Long: `Slotr runs at most one shell command per named slot, captures its
output into a bounded log and exposes start, stop, status, tail and log
download over HTTP.

Examples:
  slotr serve --config=slotr.toml
  slotr start terminal --cmd="ls -la"
  slotr tail terminal --follow
  slotr stop terminal`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", envOr("SLOTR_API_URL", "http://localhost:5000/api"), "daemon API URL")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&globalFlags.Username, "username", os.Getenv("SLOTR_USERNAME"), "basic auth user")
	root.PersistentFlags().StringVar(&globalFlags.Password, "password", os.Getenv("SLOTR_PASSWORD"), "basic auth password")

	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createTailCommand(c),
		createLogCommand(c),
		createHashPasswordCommand(c),
		createInitCommand(c),
	)
	return root
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func createStartCommand(c command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <slot> [-- args...]",
		Short: "Start a command in a slot",
		Long: `Start a command in a slot. The command is either a shell string (--cmd)
or an argv list after "--".

Examples:
  slotr start terminal --cmd="echo hello"
  slotr start rclone -- rclone version`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Slot = args[0]
			if i := cmd.ArgsLenAtDash(); i >= 0 {
				f.Args = args[i:]
			}
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Cmd, "cmd", "", "shell command to run")
	cmd.Flags().StringVar(&f.WorkDir, "workdir", "", "absolute working directory")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra KEY=VALUE for the child (repeatable)")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <slot>",
		Short: "Stop the process running in a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [slot]",
		Short: "Show slot status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Slot = args[0]
			}
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Detailed, "detailed", false, "include CPU and memory of the live process")
	cmd.Flags().StringVar(&f.Match, "match", "", "wildcard filter over slot names when no slot is given")
	return cmd
}

func createTailCommand(c command) *cobra.Command {
	f := &TailFlags{}
	cmd := &cobra.Command{
		Use:   "tail <slot>",
		Short: "Print the most recent log lines of a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Slot = args[0]
			return c.Tail(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 100, "number of lines")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep polling until the process ends")
	cmd.Flags().DurationVar(&f.Interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func createLogCommand(c command) *cobra.Command {
	f := &LogFlags{}
	cmd := &cobra.Command{
		Use:   "log <slot>",
		Short: "Download the full log of a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Slot = args[0]
			return c.Log(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "write to file ('.' uses the server's filename); stdout when empty")
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the slotr daemon",
		Long: `Start the slotr HTTP daemon. Without a config file the defaults are
used: slots "rclone" and "terminal", listening on :5000.

Examples:
  slotr serve
  slotr serve slotr.toml
  slotr serve --daemonize --pidfile=/run/slotr.pid --logfile=/var/log/slotr.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func createHashPasswordCommand(c command) *cobra.Command {
	f := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for server.password",
		Long: `Read a password from stdin (first line) and print its bcrypt hash.

Examples:
  echo -n secret | slotr hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(cmd.InOrStdin(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Cost, "cost", 0, "bcrypt cost (0 = default)")
	return cmd
}

func createInitCommand(c command) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter slotr.toml",
		Long: `Generate a starter configuration file.

Templates: minimal, rclone, postgres, secure

Examples:
  slotr init --template=rclone --output=slotr.toml
  slotr init --template=secure --format=json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*f)
		},
	}
	cmd.Flags().StringVar(&f.Template, "template", "minimal", "template type")
	cmd.Flags().StringVar(&f.Format, "format", "toml", "toml or json")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing output file")
	return cmd
}
