package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/whisperlink/hub"
)

var rootCmd = &cobra.Command{
	Use:   "hub-server",
	Short: "Ephemeral whisperlink hub: authenticated relay for E2E encrypted messaging and call signaling",
	RunE:  runServer,
}

var (
	flagAddr        string
	flagConfig      string
	flagTokenSecret string
	flagLogLevel    string
)

func init() {
	// A .env in the working directory seeds the environment before the flag
	// defaults below read it.
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", os.Getenv("WHISPERLINK_ADDR"), "listen address, overrides config (env: WHISPERLINK_ADDR)")
	flags.StringVar(&flagConfig, "config", os.Getenv("WHISPERLINK_CONFIG"), "YAML config file path (env: WHISPERLINK_CONFIG)")
	flags.StringVar(&flagTokenSecret, "token-secret", os.Getenv("WHISPERLINK_TOKEN_SECRET"), "session token signing secret (env: WHISPERLINK_TOKEN_SECRET)")
	flags.StringVar(&flagLogLevel, "log-level", os.Getenv("WHISPERLINK_LOG_LEVEL"), "trace, debug, info, warn or error (env: WHISPERLINK_LOG_LEVEL)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := hub.DefaultConfig()
	if flagConfig != "" {
		var err error
		if cfg, err = hub.LoadConfig(flagConfig); err != nil {
			return err
		}
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagTokenSecret != "" {
		cfg.TokenSecret = flagTokenSecret
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	srv, err := hub.NewServer(cfg)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			stop()
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("[hub-server] shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("[hub-server] shutdown complete")
	return nil
}
