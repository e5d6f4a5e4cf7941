package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ─── Ledger inspection ──────────────────────────────────────────────────────
// Read-only views over the store. They open the database directly, so they
// work whether or not the daemon is running.

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(promotionsCmd)

	for _, c := range []*cobra.Command{balanceCmd, historyCmd, leaderboardCmd, promotionsCmd} {
		c.Flags().StringP("community", "g", "", "Community id (ignored unless scope_per_community is set)")
	}
	historyCmd.Flags().IntP("limit", "n", 20, "Number of transactions to show")
	leaderboardCmd.Flags().IntP("limit", "n", 10, "Number of accounts to show")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER",
	Short: "Show a user's account",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	community, _ := cmd.Flags().GetString("community")
	acct, err := d.Ledger.Account(context.Background(), d.Ledger.Scope(community), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s (%s)\n", acct.User, acct.Scope)
	fmt.Fprintf(os.Stdout, "  Balance:      %d\n", acct.Balance)
	fmt.Fprintf(os.Stdout, "  Total earned: %d\n", acct.TotalEarned)
	fmt.Fprintf(os.Stdout, "  Total spent:  %d\n", acct.TotalSpent)
	fmt.Fprintf(os.Stdout, "  Daily streak: %d\n", acct.DailyStreak)
	return nil
}

var historyCmd = &cobra.Command{
	Use:   "history USER",
	Short: "Show a user's recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	community, _ := cmd.Flags().GetString("community")
	limit, _ := cmd.Flags().GetInt("limit")
	txs, err := d.Ledger.History(context.Background(), d.Ledger.Scope(community), args[0], limit)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(os.Stdout, "No transactions.")
		return nil
	}
	for _, t := range txs {
		fmt.Fprintf(os.Stdout, "%6d  %s  %-12s %8d  %s -> %s  %s\n",
			t.ID, t.CreatedAt.Format("2006-01-02 15:04"), t.Kind, t.Amount, orDash(t.From), orDash(t.To), t.Description)
	}
	return nil
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the richest accounts",
	Args:  cobra.NoArgs,
	RunE:  runLeaderboard,
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	community, _ := cmd.Flags().GetString("community")
	limit, _ := cmd.Flags().GetInt("limit")
	top, err := d.Ledger.Leaderboard(context.Background(), d.Ledger.Scope(community), limit)
	if err != nil {
		return err
	}
	if len(top) == 0 {
		fmt.Fprintln(os.Stdout, "No accounts yet.")
		return nil
	}
	for _, e := range top {
		fmt.Fprintf(os.Stdout, "%3d. %-24s %d\n", e.Rank, e.User, e.Balance)
	}
	return nil
}

var promotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "Show the promotions running now",
	Args:  cobra.NoArgs,
	RunE:  runPromotions,
}

func runPromotions(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	if d.Promotions == nil {
		fmt.Fprintln(os.Stdout, "Promotions are disabled in config.")
		return nil
	}
	community, _ := cmd.Flags().GetString("community")
	live, err := d.Promotions.Active(context.Background(), d.Ledger.Scope(community))
	if err != nil {
		return err
	}
	if len(live) == 0 {
		fmt.Fprintln(os.Stdout, "No promotions running.")
		return nil
	}
	for _, p := range live {
		fmt.Fprintf(os.Stdout, "%-16s until %s  %s  (by %s)\n",
			p.Name, p.EndsAt.Format("2006-01-02 15:04"), p.Description, p.StartedBy)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
