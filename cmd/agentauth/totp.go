package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/agentauth/internal/totp"
)

var totpCmd = &cobra.Command{
	Use:   "totp <website> <username>",
	Short: "Print the current TOTP code for a stored credential",
	Args:  cobra.ExactArgs(2),
	RunE:  runTOTP,
}

func runTOTP(cmd *cobra.Command, args []string) error {
	sc, err := initQuiet(cmd.Context())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	c, ok := sc.Credentials.Match(args[0], args[1])
	if !ok || !c.HasTOTP() {
		return errors.New("no totp secret stored for this website and username")
	}
	now := time.Now()
	code, err := totp.Generate(c.TOTPSecret, now)
	if err != nil {
		return err
	}
	fmt.Printf("%s (valid for %ds)\n", code, int(totp.Remaining(now).Seconds()))
	return nil
}
