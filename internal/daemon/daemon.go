package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/epa-bot/epa/internal/api"
	"github.com/epa-bot/epa/internal/app/achievement"
	"github.com/epa-bot/epa/internal/app/auction"
	"github.com/epa-bot/epa/internal/app/events"
	"github.com/epa-bot/epa/internal/app/expiry"
	"github.com/epa-bot/epa/internal/app/ledger"
	"github.com/epa-bot/epa/internal/app/promo"
	"github.com/epa-bot/epa/internal/app/trade"
	"github.com/epa-bot/epa/internal/infra/sqlite"
)

// Daemon is the assembled economy core.
type Daemon struct {
	Config       Config
	DB           *sqlite.DB
	Bus          *events.Bus
	Ledger       *ledger.Service
	Trades       *trade.Negotiator
	Auctions     *auction.Engine
	Achievements *achievement.Trigger // nil when disabled
	Promotions   *promo.Service       // nil when disabled
	Scheduler    *expiry.Scheduler
	Hub          *api.EventHub
}

// New opens the store and wires every service. Events flow from the
// services through the bus to the achievement trigger and the live feed.
func New(cfg Config) (*Daemon, error) {
	db, err := sqlite.OpenWithConfig(cfg.DataDir(), cfg.Store())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db, Bus: events.New(cfg.EventOptions()), Hub: api.NewEventHub()}
	d.Ledger = ledger.New(cfg.LedgerOptions(), db, d.Bus)
	d.Trades = trade.New(cfg.TradeOptions(), db, d.Ledger, d.Bus)
	d.Auctions = auction.New(cfg.AuctionOptions(), db, d.Ledger, d.Bus)
	d.Scheduler = expiry.New(cfg.SchedulerOptions(), d.Trades, d.Auctions)
	d.Trades.SetDeadlineTracker(d.Scheduler)
	d.Auctions.SetDeadlineTracker(d.Scheduler)

	if cfg.Promotions.Enabled {
		d.Promotions = promo.New(cfg.PromotionOptions(), db, d.Bus)
		d.Promotions.SetDeadlineTracker(d.Scheduler)
		d.Ledger.SetBooster(d.Promotions)
		d.Scheduler.SetPromotions(d.Promotions)
	}

	if cfg.Achievements.Enabled {
		defs, err := achievement.LoadCatalog(cfg.Achievements.Catalog)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Achievements = achievement.New(defs, db, d.Ledger, d.Bus)
		d.Bus.Subscribe("achievements", d.Achievements.Handle)
	}
	d.Bus.Subscribe("live-feed", d.Hub.Handle)
	return d, nil
}

// Server builds the HTTP API over the daemon's services.
func (d *Daemon) Server() *api.Server {
	srv := api.NewServer(api.Services{
		Ledger:       d.Ledger,
		Trades:       d.Trades,
		Auctions:     d.Auctions,
		Achievements: d.Achievements,
		Promotions:   d.Promotions,
		Scheduler:    d.Scheduler,
	})
	srv.EnableMetrics()
	srv.SetToken(d.Config.API.Token)
	srv.SetTimeout(d.Config.RequestTimeout())
	srv.SetEventHub(d.Hub)
	return srv
}

// Serve runs the expiry scheduler and the HTTP API until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if err := d.Scheduler.Seed(ctx, d.DB); err != nil {
		return fmt.Errorf("seed deadlines: %w", err)
	}
	// Catch anything that expired while the process was down.
	if _, err := d.Scheduler.Sweep(ctx); err != nil {
		log.Printf("[daemon] startup sweep: %v", err)
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- d.Scheduler.Run(ctx) }()

	httpSrv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-schedDone
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	<-schedDone
	return err
}

// Close drains the event bus and closes the store.
func (d *Daemon) Close() error {
	d.Bus.Close()
	return d.DB.Close()
}
