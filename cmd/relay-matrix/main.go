// ABOUTME: Entry point for relay-matrix, the Matrix front end of agent-relay
// ABOUTME: Runs the bridge, or writes a config interactively with "relay-matrix init"

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
)

const banner = `
    ┌─────────────────────────────┐
    │  relay-matrix               │
    │  matrix ⇄ agent-relay       │
    └─────────────────────────────┘
`

// getConfigPath returns $RELAY_MATRIX_CONFIG or the XDG config location.
func getConfigPath() string {
	if p := os.Getenv("RELAY_MATRIX_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "relay-matrix.toml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "agent-relay", "matrix.toml")
}

// getDataPath returns the directory for the crypto store.
func getDataPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "agent-relay", "matrix")
}

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "init" {
		err = runInit(os.Stdin, os.Stdout, getConfigPath())
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	color.New(color.FgCyan).Print(banner)

	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	logger := setupLogger(cfg.Logging.Level)

	green := color.New(color.FgGreen)
	for _, kv := range [][2]string{
		{"Config", configPath},
		{"Homeserver", cfg.Matrix.Homeserver},
		{"Username", cfg.Matrix.Username},
		{"Relay", cfg.Relay.URL},
	} {
		green.Print("    ▶ ")
		fmt.Printf("%-11s %s\n", kv[0]+":", kv[1])
	}
	if cfg.Matrix.EncryptionEnabled() {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.EncryptionEnabled() {
		cryptoMgr, err := SetupCrypto(ctx, bridge.matrix, cfg.Matrix.RecoveryKey, getDataPath(), logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer cryptoMgr.Close()
	}

	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})).
		With("service", "relay-matrix")
}

// initFile is the document written by runInit.
type initFile struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Relay   initRelay     `toml:"relay"`
	Bridge  initBridge    `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type initRelay struct {
	URL     string `toml:"url"`
	Token   string `toml:"token,omitempty"`
	Timeout string `toml:"timeout"`
}

type initBridge struct {
	AllowedRooms    []string `toml:"allowed_rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	TypingIndicator bool     `toml:"typing_indicator"`
	EditInterval    string   `toml:"edit_interval"`
}

// runInit asks for the required settings on in and writes a config to path.
func runInit(in io.Reader, out io.Writer, path string) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	reader := bufio.NewReader(in)

	ask := func(question, def string) string {
		green.Fprint(out, "    ▶ ")
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", question, def)
		} else {
			fmt.Fprintf(out, "%s: ", question)
		}
		answer, _ := reader.ReadString('\n')
		if answer = strings.TrimSpace(answer); answer == "" {
			return def
		}
		return answer
	}

	color.New(color.FgCyan).Fprint(out, banner)
	if _, err := os.Stat(path); err == nil {
		yellow.Fprintf(out, "    Config already exists at %s\n", path)
		if !strings.EqualFold(ask("Overwrite? y/N", "n"), "y") {
			fmt.Fprintln(out, "    Aborted.")
			return nil
		}
	}

	doc := initFile{
		Matrix: MatrixConfig{
			Homeserver:  ask("Matrix homeserver URL", "https://matrix.org"),
			Username:    ask("Matrix username", ""),
			Password:    ask("Matrix password", ""),
			DeviceName:  defaultDeviceName,
			RecoveryKey: ask("Recovery key (optional, enables E2EE)", ""),
		},
		Relay: initRelay{
			URL:     ask("Relay URL", "http://localhost:8080"),
			Token:   ask("Relay bearer token (optional)", ""),
			Timeout: defaultRelayTimeout.String(),
		},
		Bridge: initBridge{
			AllowedRooms:    []string{},
			CommandPrefix:   ask("Command prefix (optional, e.g. '!ask ')", ""),
			TypingIndicator: true,
			EditInterval:    defaultEditInterval.String(),
		},
		Logging: LoggingConfig{Level: "info"},
	}

	// Reject a config the bridge would refuse to load.
	check := Config{
		Matrix: doc.Matrix,
		Relay:  RelayConfig{URL: doc.Relay.URL},
	}
	if err := check.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# relay-matrix configuration")
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	fmt.Fprintln(out)
	green.Fprintf(out, "    ✓ Config written to %s\n", path)
	return nil
}
