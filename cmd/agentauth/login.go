package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
)

var loginNoHistory bool

var loginCmd = &cobra.Command{
	Use:   "login <website> <username>",
	Short: "Run one login attempt through the configured driver and print the cookies as JSON",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&loginNoHistory, "no-history", false, "do not record the attempt in the history store")
}

func runLogin(_ *cobra.Command, args []string) error {
	logger := newLogger(verbose)

	cfg, err := loadConfig(goutils.Env("AGENTAUTH_CONFIG", configPath))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, initOptions{storage: !loginNoHistory})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	auth, err := sc.newAuthenticator()
	if err != nil {
		return err
	}

	res, err := auth.Authenticate(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("writing cookies: %w", err)
	}
	return nil
}
