package cmd

import (
	"fmt"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/coldharbor/workerd/internal/config"
	"github.com/coldharbor/workerd/internal/console"
)

func addStatusCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a live view of the VM pool",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	parent.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := console.Dial(statusSocketPath(cfg))
	if err != nil {
		return fmt.Errorf("connecting to running daemon: %w", err)
	}
	defer client.Close()

	p := tea.NewProgram(console.NewDashboardModel(client))
	_, err = p.Run()
	return err
}

// statusSocketPath derives the unix socket the engine's console.Server
// listens on from the chroot directory, rather than adding a dedicated
// config key for a path that is always a fixed, well-known name inside it.
func statusSocketPath(cfg *config.Config) string {
	return filepath.Join(cfg.Chroot.Dir, "status.sock")
}
