// ABOUTME: Entry point for the agent-relay binary
// ABOUTME: cobra root command with serve, health, token, clear-cache and version subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/relay"
)

// Set by the release build with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
   __ _  __ _  ___ _ __ | |_      _ __ ___| | __ _ _   _
  / _' |/ _' |/ _ \ '_ \| __|____| '__/ _ \ |/ _' | | | |
 | (_| | (_| |  __/ | | | ||_____| | |  __/ | (_| | |_| |
  \__,_|\__, |\___|_| |_|\__|    |_|  \___|_|\__,_|\__, |
        |___/                                      |___/
`

// configPathEnv overrides the default config location.
const configPathEnv = "AGENT_RELAY_CONFIG"

// getConfigPath resolves the config file: flag, then environment, then XDG.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, relay.ServiceName, "config.yaml")
}

// loadDotEnv reads .env from the working directory. A missing file is not an error.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading .env: %w", err)
}

type rootOptions struct {
	configPath string
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := getConfigPath(o.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           relay.ServiceName,
		Short:         "Relay chat messages to remote agents and stream the replies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default $"+configPathEnv+" or $XDG_CONFIG_HOME/"+relay.ServiceName+"/config.yaml)")

	root.AddCommand(
		newServeCommand(opts),
		newHealthCommand(opts),
		newTokenCommand(opts),
		newClearCacheCommand(opts),
		newVersionCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(1)
	}
}
