package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
	"delta-neutral-bot/internal/events"
	"delta-neutral-bot/internal/exchange"
	"delta-neutral-bot/internal/exchange/extended"
	"delta-neutral-bot/internal/exchange/hyperliquid"
	"delta-neutral-bot/internal/exchange/paper"
	"delta-neutral-bot/internal/journal"
	"delta-neutral-bot/internal/metrics"
	"delta-neutral-bot/internal/randomizer"
	"delta-neutral-bot/internal/safety"
	"delta-neutral-bot/internal/strategy"
	"delta-neutral-bot/pkg/ws"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	venueA  exchange.Exchange
	venueB  exchange.Exchange
	journal *journal.SQLiteJournal
	emit    events.Emitter
	safety  *safety.Controller
	strat   *strategy.FundingArbStrategy
	stream  *ws.MarkPriceStream
}

func newLogger(cfg config.AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	j, err := journal.NewSQLite(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	a.journal = j

	if cfg.IsLive() {
		err = a.liveVenues(ctx)
	} else {
		err = a.paperVenues()
	}
	if err != nil {
		j.Close()
		return nil, err
	}

	a.emit = events.Multi{events.NewLogEmitter(log), metrics.New(prometheus.DefaultRegisterer)}
	a.safety = safety.NewController(safety.Params{
		ReconcileInterval:      cfg.Safety.ReconcileInterval,
		MaxConsecutiveFailures: cfg.Safety.MaxConsecutiveFailures,
		AutoFlatten:            cfg.Safety.AutoFlatten,
		QueryTimeout:           cfg.Funding.Timeout,
	}, []exchange.Exchange{a.venueA, a.venueB}, j, a.emit, log)
	a.strat = strategy.NewFundingArbStrategy(cfg, a.venueA, a.venueB, a.safety, a.emit, j, log)

	if err := a.safety.LoadBlocked(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load blocked tokens: %w", err)
	}
	return a, nil
}

// paperVenues seeds both venues from the simulation section. A configured
// rate seeds the Extended venue and the Hyperliquid venue drifts from it;
// unconfigured tokens get independent random rates within the drift.
func (a *app) paperVenues() error {
	sim := a.cfg.Simulation
	rnd := randomizer.New(strategy.Ranges(a.cfg.Strategy))
	drift := func() (float64, error) { return rnd.Float(-sim.FundingDrift, sim.FundingDrift) }

	optsA := paper.Options{Balance: sim.Balance, Prices: map[string]float64{}, Funding: map[string]float64{}, FeeRate: a.cfg.Strategy.FeeRate}
	optsB := paper.Options{Balance: sim.Balance, Prices: map[string]float64{}, Funding: map[string]float64{}, FeeRate: a.cfg.Strategy.FeeRate}
	for _, t := range a.cfg.Tokens {
		optsA.Prices[t] = sim.PriceFor(t)
		optsB.Prices[t] = sim.PriceFor(t)

		base, configured := sim.FundingFor(t)
		if !configured {
			r, err := drift()
			if err != nil {
				return err
			}
			base = r
		}
		d, err := drift()
		if err != nil {
			return err
		}
		optsA.Funding[t] = base
		optsB.Funding[t] = base + d
	}

	a.venueA = paper.NewVenue(domain.VenueExtended, optsA)
	a.venueB = paper.NewVenue(domain.VenueHyperliquid, optsB)
	a.log.Info().Float64("balance", sim.Balance).Strs("tokens", a.cfg.Tokens).Msg("simulation mode: paper venues")
	return nil
}

func (a *app) liveVenues(ctx context.Context) error {
	ext := a.cfg.Exchanges.Extended
	if ext.WSURL != "" {
		a.stream = ws.NewMarkPriceStream(strings.TrimSuffix(ext.WSURL, "/")+"/prices/mark", 30*time.Second, a.log)
	}
	opts := []extended.Option{}
	if a.stream != nil {
		opts = append(opts, extended.WithMarkSource(a.stream))
	}
	extClient := extended.NewClient(ext, a.log, opts...)
	if err := extClient.Ping(ctx); err != nil {
		return fmt.Errorf("extended: %w", err)
	}
	a.log.Warn().Msg("extended: no Stark order signer registered, order placement will be rejected")
	a.venueA = extClient

	hl, err := hyperliquid.NewClient(ctx, a.cfg.Exchanges.Hyperliquid, a.log)
	if err != nil {
		return err
	}
	a.venueB = hl
	return nil
}

// serveMetrics exposes /metrics until ctx ends. A zero port disables it.
func (a *app) serveMetrics(ctx context.Context) {
	port := a.cfg.App.MetricsPort
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	a.log.Info().Int("port", port).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error().Err(err).Msg("metrics server failed")
	}
}

func (a *app) Close() {
	if a.stream != nil {
		a.stream.Close()
	}
	if err := a.journal.Close(); err != nil {
		a.log.Error().Err(err).Msg("journal close failed")
	}
}
