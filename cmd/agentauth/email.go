package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var emailSince time.Duration

var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Wait for a verification email on the configured mailbox",
}

var emailCodeCmd = &cobra.Command{
	Use:   "code",
	Short: "Wait for a verification code and print it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEmail(cmd, "code")
	},
}

var emailLinkCmd = &cobra.Command{
	Use:   "link",
	Short: "Wait for a verification link and print it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runEmail(cmd, "link")
	},
}

func init() {
	for _, c := range []*cobra.Command{emailCodeCmd, emailLinkCmd} {
		c.Flags().DurationVar(&emailSince, "since", 0, "also accept messages received this long ago (e.g. 5m)")
	}
	emailCmd.AddCommand(emailCodeCmd, emailLinkCmd)
}

func runEmail(cmd *cobra.Command, kind string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initQuiet(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if sc.Email == nil {
		return errors.New("no mailbox configured (set email.imap or IMAP_SERVER)")
	}

	since := time.Now().UTC().Add(-emailSince)
	var value string
	if kind == "code" {
		value, err = sc.Email.GetCode(ctx, since)
	} else {
		value, err = sc.Email.GetLink(ctx, since)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}
