package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/allaspectsdev/kirogate/internal/config"
	"github.com/allaspectsdev/kirogate/internal/daemon"
	"github.com/allaspectsdev/kirogate/internal/version"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := rootOptions{}

	root := &cobra.Command{
		Use:           "kirogate",
		Short:         "Anthropic-compatible gateway for the Kiro upstream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the config file (default ~/.kirogate/kirogate.toml)")

	root.AddCommand(
		newServeCmd(&opts),
		newStopCmd(&opts),
		newStatusCmd(&opts),
		newKeysCmd(&opts),
		newInitConfigCmd(),
		newFingerprintCmd(),
		newCooldownReasonsCmd(),
		newServiceCmd(&opts),
		newVersionCmd(),
	)
	return root
}

// load reads the config named by --config, falling back to the default
// search path.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return daemon.Run(cfg, foreground)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Also log to the terminal")
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.load(); err != nil {
				return err
			}
			return daemon.Stop()
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status and summary stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.load(); err != nil {
				return err
			}
			return daemon.Status()
		},
	}
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return config.InitConfig()
			}
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", args[0])
			return nil
		},
	}
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the gateway as a user service (launchd or systemd)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install and start the user service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				configPath := opts.configPath
				if configPath == "" {
					configPath = config.ConfigFilePath()
				}
				return daemon.InstallService(cfg.Server.DataDir, configPath)
			},
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Stop and remove the user service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return daemon.UninstallService()
			},
		},
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
