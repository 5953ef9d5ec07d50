package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/victornm/tunetrivia/internal/config"
	"github.com/victornm/tunetrivia/internal/server"
	"github.com/victornm/tunetrivia/internal/telemetry"
)

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "tunetrivia",
		Short:         "Multiplayer music trivia lobby server.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			l, err := telemetry.NewLogger(os.Stdout, c.Log.Format, c.Log.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			slog.SetDefault(l)

			return run(cmd.Context(), c)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (env: CONFIG_PATH)")
	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}

func run(ctx context.Context, c server.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	s, err := server.Init(ctx, c)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	s.Shutdown()
	return err
}

func loadConfig(p string) (server.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return server.Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := server.DefaultConfig()

	if p == "" {
		p = os.Getenv("CONFIG_PATH")
	}

	if err := config.Load(p, &c); err != nil {
		return c, err
	}

	return c, nil
}
