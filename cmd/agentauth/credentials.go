package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentauth/internal/capability"
	"github.com/jkaninda/agentauth/internal/totp"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Inspect the credential store",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials (hosts and usernames only)",
	Args:  cobra.NoArgs,
	RunE:  runCredentialsList,
}

var credentialsCheckCmd = &cobra.Command{
	Use:   "check <website> <username>",
	Short: "Show which capabilities would be available for a login",
	Args:  cobra.ExactArgs(2),
	RunE:  runCredentialsCheck,
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd, credentialsCheckCmd)
}

func initQuiet(ctx context.Context) (*SharedComponents, error) {
	cfg, err := loadConfig(goutils.Env("AGENTAUTH_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	return initShared(ctx, cfg, newLogger(verbose), initOptions{})
}

func runCredentialsList(cmd *cobra.Command, _ []string) error {
	sc, err := initQuiet(cmd.Context())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tUSERNAME\tPASSWORD\tTOTP")
	for _, c := range sc.Credentials.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Host(), c.Username, yesNo(c.HasPassword()), yesNo(c.HasTOTP()))
	}
	return w.Flush()
}

func runCredentialsCheck(cmd *cobra.Command, args []string) error {
	sc, err := initQuiet(cmd.Context())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	website, username := args[0], args[1]
	src := capability.Sources{Credentials: sc.Credentials}
	if sc.Email != nil {
		src.Email = sc.Email
	}
	available := capability.Availability(capability.Target{Website: website, Username: username}, src)

	for _, k := range capability.Kinds {
		fmt.Printf("%-20s %s\n", k.Name(), yesNo(available.Has(k)))
	}
	if c, ok := sc.Credentials.Match(website, username); ok && c.HasTOTP() {
		if err := totp.Validate(c.TOTPSecret); err != nil {
			return fmt.Errorf("stored totp secret for %s: %w", c.Host(), err)
		}
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
