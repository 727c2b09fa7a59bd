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

	"github.com/gosuda/whisperlink/client"
	"github.com/gosuda/whisperlink/core/identity"
)

var rootCmd = &cobra.Command{
	Use:   "whisper-chat",
	Short: "Terminal chat client for a whisperlink hub",
	RunE:  runChat,
}

var (
	flagHub       string
	flagNickname  string
	flagPeer      string
	flagVault     string
	flagEphemeral bool
)

func init() {
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagHub, "hub", envOrDefault("WHISPERLINK_HUB", "ws://localhost:8081/ws"), "hub URL (env: WHISPERLINK_HUB)")
	flags.StringVar(&flagNickname, "nickname", "", "display name sent to the hub")
	flags.StringVar(&flagPeer, "peer", "", "user ID bare lines are sent to")
	flags.StringVar(&flagVault, "vault", os.Getenv("WHISPERLINK_VAULT"), "identity vault directory; empty keeps keys in memory (env: WHISPERLINK_VAULT)")
	flags.BoolVar(&flagEphemeral, "ephemeral", false, "wipe any stored identity before connecting")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// The conversation owns stdout; logs go to stderr and stay quiet unless
	// something is wrong.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat command")
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var vault identity.Vault
	if flagVault != "" {
		pv, err := identity.OpenPebbleVault(flagVault)
		if err != nil {
			return fmt.Errorf("open vault: %w", err)
		}
		defer pv.Close()
		vault = pv
	}

	eng, err := client.New(client.Config{
		Endpoint:          flagHub,
		Vault:             vault,
		Nickname:          flagNickname,
		EphemeralIdentity: flagEphemeral,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = eng.Connect(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", flagHub, err)
	}

	t := newTUI(eng, flagPeer)
	t.greet()

	done := make(chan struct{})
	go func() {
		t.printEvents()
		close(done)
	}()
	go func() {
		<-ctx.Done()
		_ = eng.Close()
		// Closing stdin unblocks the input scanner on Ctrl-C.
		_ = os.Stdin.Close()
	}()

	err = t.readInput()
	stop()
	<-done
	return err
}
