package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/epa-bot/epa/internal/app/achievement"
	"github.com/epa-bot/epa/internal/infra/archive"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(achievementsCmd)

	exportCmd.Flags().Int64("after", -1, "Export rows with id greater than this (default: continue from the newest archive)")
	exportCmd.Flags().String("dir", "", "Output directory (default [archive].dir)")
	achievementsCmd.Flags().Bool("json", false, "Print the catalog as JSON")
}

// ─── sweep ──────────────────────────────────────────────────────────────────

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue trades and settle ended auctions once",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	rep, err := d.Scheduler.Sweep(context.Background())
	fmt.Fprintf(os.Stdout, "Trades expired:   %d\n", rep.TradesExpired)
	fmt.Fprintf(os.Stdout, "Auctions sold:    %d\n", rep.AuctionsSold)
	fmt.Fprintf(os.Stdout, "Auctions expired: %d\n", rep.AuctionsExpired)
	return err
}

// ─── export ─────────────────────────────────────────────────────────────────

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Archive ledger rows to a compressed JSONL file",
	Long: `Write ledger transactions to a zstd-compressed JSON-lines file named
ledger-<first>-<last>.jsonl.zst. Without --after the export continues from
the highest id already present in the output directory.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = d.Config.ExportDir()
	}
	after, _ := cmd.Flags().GetInt64("after")
	if after < 0 {
		if after, err = lastArchivedID(dir); err != nil {
			return err
		}
	}

	res, err := archive.ExportFile(context.Background(), d.DB, dir, after)
	if err != nil {
		return err
	}
	if res.Count == 0 {
		fmt.Fprintf(os.Stdout, "Nothing to export after id %d.\n", after)
		return nil
	}
	fmt.Fprintf(os.Stdout, "Exported %d transactions (%d..%d) to %s\n", res.Count, res.FirstID, res.LastID, res.Path)
	return nil
}

// lastArchivedID returns the highest last id among archive files in dir.
func lastArchivedID(dir string) (int64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "ledger-*-*.jsonl.zst"))
	if err != nil {
		return 0, err
	}
	var last int64
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".jsonl.zst")
		parts := strings.Split(name, "-")
		if len(parts) != 3 {
			continue
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		if id > last {
			last = id
		}
	}
	return last, nil
}

// ─── achievements ───────────────────────────────────────────────────────────

var achievementsCmd = &cobra.Command{
	Use:   "achievements",
	Short: "List the achievement catalog",
	Args:  cobra.NoArgs,
	RunE:  runAchievements,
}

func runAchievements(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defs, err := achievement.LoadCatalog(cfg.Achievements.Catalog)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	if !cfg.Achievements.Enabled {
		fmt.Fprintln(os.Stdout, "Achievements are disabled in config; catalog shown for reference.")
	}
	for _, a := range defs {
		fmt.Fprintf(os.Stdout, "%-16s %-7s %7d  %s >= %d\n", a.ID, a.Tier, a.Reward, a.Requirement.Metric, a.Requirement.Threshold)
	}
	return nil
}
