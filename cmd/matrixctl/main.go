// Command matrixctl drives a BLE LED matrix: scan for it, send commands,
// open an interactive console, mirror a screen color or run an audio
// spectrum meter on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/matrixctl/internal/config"
	"github.com/chaz8081/matrixctl/internal/logger"
)

const usage = `usage: matrixctl <command> [flags]

commands:
  scan      list nearby matrices
  send      send one or more command lines, e.g. "fill 255 0 0"
  console   interactive command console
  meter     audio spectrum meter
  pick      fill the matrix with the color under the mouse cursor
  init      write a default config file

Run "matrixctl <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]
	run, ok := map[string]func(context.Context, []string) error{
		"scan":    runScan,
		"send":    runSend,
		"console": runConsole,
		"meter":   runMeter,
		"pick":    runPick,
		"init":    runInit,
	}[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("[MAIN] "+name+" failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// commonFlags registers the flags every device command accepts.
type commonFlags struct {
	config string
	addr   string
	name   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "path to config file (default: ~/.config/matrixctl/config.yaml)")
	fs.StringVar(&c.addr, "addr", "", "peer address to connect to (overrides device.address)")
	fs.StringVar(&c.name, "name", "", "peer name to connect to (overrides device.name)")
}

// setup loads and validates the config, installs the logger and applies
// flag overrides. The returned closer flushes the log output.
func (c *commonFlags) setup() (*config.Config, func() error, error) {
	cfg, err := loadConfig(c.config)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if c.addr != "" {
		cfg.Device.Address = c.addr
	}
	if c.name != "" {
		cfg.Device.Name = c.name
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, closer, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, mode string) {
	target := "first matrix found"
	switch {
	case cfg.Device.Address != "":
		target = cfg.Device.Address
	case cfg.Device.Name != "":
		target = fmt.Sprintf("name %q", cfg.Device.Name)
	}
	fmt.Println("=== matrixctl ===")
	fmt.Printf("  Mode:    %s\n", mode)
	fmt.Printf("  Device:  %s\n", target)
	fmt.Printf("  Service: %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("  Matrix:  %dx%d\n", cfg.Matrix.Width, cfg.Matrix.Height)
	fmt.Printf("  Log:     %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Println("=================")
}

func runInit(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	_ = fs.Parse(args)

	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
