package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coldharbor/workerd/internal/cmd"
	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/console"
	"github.com/coldharbor/workerd/internal/engine"
	"github.com/coldharbor/workerd/internal/frontend"
	"github.com/coldharbor/workerd/internal/logging"
	"github.com/coldharbor/workerd/internal/netmsg"
	"github.com/coldharbor/workerd/internal/supervisor"
	"github.com/coldharbor/workerd/internal/vmpool"
	"github.com/coldharbor/workerd/internal/writeback"
)

func main() {
	if role := os.Getenv(supervisor.RoleEnvVar); role != "" {
		if err := runChild(role); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runChild is the entry point for a re-exec'd frontend or engine process.
// Neither child drops privileges or chroots itself — only the parent does,
// after both children are already running past the INITFD handoff — so
// both still see the real filesystem and build their directories relative
// to the configured chroot root rather than from "/".
func runChild(role string) error {
	verbose := os.Getenv("WORKERD_VERBOSE") == "1"
	entry := logging.Init(role, verbose)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%s: loading config: %w", role, err)
	}

	sibling, err := supervisor.Bootstrap()
	if err != nil {
		return fmt.Errorf("%s: bootstrapping: %w", role, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch role {
	case supervisor.RoleFrontend:
		msgDir := netmsg.NewDir(filepath.Join(cfg.Chroot.Dir, "fmessages"))
		router := frontend.New(cfg, sibling, msgDir)
		entry.Info("frontend router starting")
		return router.Run(ctx)

	case supervisor.RoleEngine:
		msgDir := netmsg.NewDir(filepath.Join(cfg.Chroot.Dir, "emessages"))
		store := writeback.New(filepath.Join(cfg.Chroot.Dir, "writeback"))
		pool := vmpool.New(vmpool.Config{
			Size:           cfg.VM.PoolSize,
			Template:       cfg.VM.Template,
			KernelPath:     cfg.VM.KernelPath,
			FirecrackerBin: cfg.VM.FirecrackerBin,
			VCPUCount:      cfg.VM.VCPUCount,
			MemSizeMiB:     cfg.VM.MemSizeMiB,
			DiskDir:        filepath.Join(cfg.Chroot.Dir, "disks"),
			ListenAddr:     cfg.VM.Listen,
			Timeout:        time.Duration(cfg.Timeout.VMSeconds) * time.Second,
			MsgDir:         msgDir,
		})
		router := engine.New(cfg, sibling, pool, store)

		statusSrv := console.NewServer(pool)
		sockPath := filepath.Join(cfg.Chroot.Dir, "status.sock")
		os.Remove(sockPath)
		go func() {
			if err := statusSrv.ListenAndServe(ctx, sockPath); err != nil {
				entry.WithError(err).Warn("status socket server exited")
			}
		}()

		entry.Info("engine router starting")
		return router.Run(ctx)

	default:
		return fmt.Errorf("unknown role %q", role)
	}
}
