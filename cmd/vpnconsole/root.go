package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/console"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/mcptools"
	"vpnconsole-go/internal/types"
)

// app holds the global flags and the per-invocation state shared by subcommands
type app struct {
	configPath string
	demo       bool
	token      string
	apiURL     string
	dataDir    string
	logLevel   string

	// memory, when set, backs demo mode instead of a fresh store per command
	memory *api.MemoryStore
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{})
}

func newRootCmdFor(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vpnconsole",
		Short:         "Browse VPN servers, manage your session and administer the inventory",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", defaultConfigPath(), "Configuration file [env: VPNCONSOLE_CONFIG]")
	flags.BoolVar(&a.demo, "demo", false, "Use the built-in demo backend instead of the API")
	flags.StringVar(&a.token, "token", "", "Session token (overrides the configured one)")
	flags.StringVar(&a.apiURL, "api-url", "", "API base URL (overrides the configured one)")
	flags.StringVar(&a.dataDir, "data-dir", "", "Local cache directory")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	root.AddCommand(
		newServersCmd(a),
		newServerCmd(a),
		newRecommendedCmd(a),
		newConnectCmd(a),
		newDisconnectCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newFailuresCmd(a),
		newAdminCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newWatchCmd(a),
		newMCPCmd(a),
		newDemoServerCmd(a),
		newCacheCmd(a),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("VPNCONSOLE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "vpnconsole.json"
	}
	return filepath.Join(home, ".vpnconsole", "config.json")
}

// loadConfig reads the configuration file and applies flag overrides
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFromFile(a.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("demo") {
		cfg.Demo = a.demo
	}
	if flags.Changed("token") {
		cfg.SessionToken = a.token
	}
	if flags.Changed("api-url") {
		cfg.APIBaseURL = a.apiURL
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = a.dataDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// open loads the configuration, builds the logger and opens a console
func (a *app) open(cmd *cobra.Command, opts ...console.Option) (*console.Console, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return a.openConfig(cmd, cfg, opts...)
}

func (a *app) openConfig(cmd *cobra.Command, cfg *config.Config, opts ...console.Option) (*console.Console, error) {
	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	if a.memory != nil {
		opts = append(opts, console.WithMemoryStore(a.memory))
	}
	c, err := console.Open(cmd.Context(), cfg, logger, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return c, nil
}

// runTool opens a console, loads its state and runs one tool, printing the JSON result
func (a *app) runTool(cmd *cobra.Command, name string, args map[string]interface{}) error {
	c, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(cmd.Context()); err != nil {
		if types.IsAuthFailure(err) {
			return err
		}
		c.Logger.Warn("Initial load incomplete", zap.Error(err))
	}

	result, err := mcptools.NewToolsServer(c, c.Logger).CallTool(cmd.Context(), name, args)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setIfChanged copies a flag value into args only when the user set it
func setIfChanged(cmd *cobra.Command, args map[string]interface{}, flag, key string, value interface{}) {
	if cmd.Flags().Changed(flag) {
		args[key] = value
	}
}
