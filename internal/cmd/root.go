package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/logging"
	"github.com/coldharbor/workerd/internal/supervisor"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	debugFlag   bool
	verboseFlag bool
	configPath  string
)

// daemonizedEnvVar marks a process as the detached copy of itself spawned
// by a foreground invocation; its presence skips the re-exec-and-detach
// step on the next pass through RunE.
const daemonizedEnvVar = "WORKERD_DAEMONIZED"

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addStatusCommand(cmd)
	addConfigCommands(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "workerd",
		Short:         "Privilege-separated worker daemon",
		Long:          "workerd — a three-process worker daemon: a parent supervisor and two privilege-separated children relaying client requests into a warm pool of Firecracker VMs.",
		Version:       fmt.Sprintf("workerd v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runRoot,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&debugFlag, "debug", "d", false, "Run in the foreground instead of daemonizing")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Log at debug level")
	pflags.StringVarP(&configPath, "config", "c", "", "Override config file path (default: /etc/workerd/config.toml)")

	if v := os.Getenv("WORKERD_VERBOSE"); v == "1" {
		verboseFlag = true
	}

	return rootCmd
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func runRoot(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		config.SetConfigPath(configPath)
		os.Setenv("WORKERD_CONFIG", configPath)
	}
	if verboseFlag {
		os.Setenv("WORKERD_VERBOSE", "1")
	}
	entry := logging.Init("supervisor", verboseFlag)

	if !debugFlag && os.Getenv(daemonizedEnvVar) != "1" {
		return daemonize(entry)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	entry.Info("starting supervisor")
	if err := supervisor.New(cfg).Run(ctx); err != nil {
		entry.WithError(err).Error("supervisor exited")
		return err
	}
	return nil
}

// daemonize re-execs the current binary detached from the controlling
// terminal (new session, stdio redirected to /dev/null) and returns
// immediately, mirroring the re-exec-with-ExtraFiles idiom
// internal/supervisor.spawn already uses for the frontend/engine children —
// generalized here to re-exec the whole daemon rather than hand off a
// socket fd.
func daemonize(entry *log.Entry) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	child := exec.Command(exePath, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonizedEnvVar+"=1")
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemonized copy: %w", err)
	}
	entry.WithField("pid", child.Process.Pid).Info("daemonized")
	return nil
}
