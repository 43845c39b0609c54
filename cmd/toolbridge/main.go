package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/toolbridge/proxy/config"
	"github.com/toolbridge/proxy/internal/log"
	"github.com/toolbridge/proxy/proxy"
)

func main() {
	app := &cli.Command{
		Name:   "toolbridge",
		Usage:  "Protocol-translating proxy between LLM clients and backends",
		Flags:  defineFlags(),
		Action: runCommand,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML config file",
		},
		&cli.StringFlag{
			Name:  "env",
			Usage: "Path to .env file",
			Value: ".env",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "Enable debug logging",
		},
	}
}

func runCommand(ctx context.Context, cmd *cli.Command) error {
	// A missing .env is fine; explicit paths that fail to parse are not.
	if path := cmd.String("env"); path != "" {
		if err := godotenv.Load(path); err != nil && cmd.IsSet("env") {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.Bool("debug") {
		cfg.DebugMode = true
	}

	log.InitLogger(cfg.DebugMode)
	defer zap.S().Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return proxy.New(cfg).ListenAndServe(ctx)
}
