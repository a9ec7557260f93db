package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldharbor/workerd/internal/config"
)

func addConfigCommands(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit /etc/workerd/config.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config file: %s\n", config.ConfigPath())
			fmt.Fprintf(cmd.OutOrStdout(), "client.listen = %s\n", cfg.Client.Listen)
			fmt.Fprintf(cmd.OutOrStdout(), "vm.listen = %s\n", cfg.VM.Listen)
			fmt.Fprintf(cmd.OutOrStdout(), "vm.pool_size = %d\n", cfg.VM.PoolSize)
			fmt.Fprintf(cmd.OutOrStdout(), "chroot.dir = %s\n", cfg.Chroot.Dir)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			val, err := config.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "set %s = %s\n", args[0], args[1])
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath())
			return nil
		},
	}

	configCmd.AddCommand(getCmd, setCmd, pathCmd)
	parent.AddCommand(configCmd)
}
