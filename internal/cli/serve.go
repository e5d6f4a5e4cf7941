package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Override [api].host")
	serveCmd.Flags().Int("port", 0, "Override [api].port")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry scheduler",
	Long: `Start the economy daemon. Overdue trades and auctions left over from
a previous run are closed before the API starts accepting requests.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.API.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.API.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Printf("[cli] close: %v", err)
		}
	}()

	fmt.Fprintf(os.Stdout, "epa listening on http://%s (data in %s)\n", cfg.Addr(), cfg.DataDir())
	return d.Serve(ctx)
}
