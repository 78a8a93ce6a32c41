package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentauth/internal/config"
	"github.com/jkaninda/agentauth/internal/storage"
)

var (
	historyHost   string
	historyStatus string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and prune the attempt history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent authentication attempts",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete attempts and audit events older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	historyListCmd.Flags().StringVar(&historyHost, "host", "", "filter by host")
	historyListCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (done or failed)")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", storage.DefaultListLimit, "maximum rows")
	historyCmd.AddCommand(historyListCmd, historyPruneCmd)
}

func initHistory(cmd *cobra.Command) (*SharedComponents, error) {
	cfg, err := loadConfig(goutils.Env("AGENTAUTH_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	return initShared(cmd.Context(), cfg, newLogger(verbose), initOptions{storage: true})
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	sc, err := initHistory(cmd)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	rows, err := sc.Store.Attempts().ListAttempts(cmd.Context(), storage.AttemptFilter{
		Host:   historyHost,
		Status: historyStatus,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSESSION\tHOST\tUSERNAME\tSTATUS\tDURATION\tCOOKIES")
	for _, a := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			a.StartedAt.Format(time.RFC3339), a.SessionID, a.Host, a.Username, a.Status,
			a.Duration().Round(time.Millisecond), a.CookieCount)
	}
	return w.Flush()
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	sc, err := initHistory(cmd)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if sc.Config.History == nil {
		// Explicit prune uses the default retention.
		sc.Config.History = &config.HistoryConfig{}
	}
	sched, err := sc.newRetentionScheduler()
	if err != nil {
		return err
	}
	pruned, err := sched.RunOnce(cmd.Context())
	for name, n := range pruned {
		fmt.Printf("%s: %d deleted\n", name, n)
	}
	return err
}
