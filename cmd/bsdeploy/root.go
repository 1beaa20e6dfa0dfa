package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bsdeploy/internal/config"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bsdeploy",
		Short: "Compile and run programs on a BlueScript board over Bluetooth LE",
		Long: `bsdeploy connects to a BlueScript board over Bluetooth LE, reads its memory
layout, compiles programs with the configured compiler and loads them onto the
board. It can run the project's main file, keep an interactive session open,
or relay an editor's requests over a local WebSocket.

Configuration is read from ~/.config/bsdeploy/config.yaml and then from
bsdeploy.yaml in the current directory; later files override earlier ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: ~/.config/bsdeploy/config.yaml, then ./bsdeploy.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newRunCmd(a),
		newReplCmd(a),
		newServeCmd(a),
		newScanCmd(a),
		newMonitorCmd(a),
		newInitCmd(),
	)
	return root
}

// load reads the config, applies flag overrides and installs the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(a.logger)
	return nil
}

// loadConfig loads the file named by --config, or layers the default
// config over built-in defaults followed by the project file.
func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.Load(a.configPath)
	}
	cfg, loaded, err := config.LoadLayered(config.DefaultConfigPath(), config.ProjectFile)
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		slog.Debug("No config file found, using defaults")
	}
	for _, path := range loaded {
		slog.Debug("Config loaded", "path", path)
	}
	return cfg, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bsdeploy ===")
	fmt.Printf("  Board:    %s\n", cfg.Board)
	fmt.Printf("  Device:   %s (service %s, characteristic %s)\n", cfg.Device.Name, cfg.Device.ServiceUUID, cfg.Device.CharacteristicUUID)
	fmt.Printf("  MTU:      %d\n", cfg.Device.MTU)
	fmt.Printf("  Compiler: %s\n", strings.Join(cfg.Compiler.Command, " "))
	fmt.Printf("  Main:     %s\n", cfg.MainPath())
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}
