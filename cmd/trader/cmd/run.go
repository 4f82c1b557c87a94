package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/intraday/admin"
	"github.com/rustyeddy/intraday/broker/feed"
	"github.com/rustyeddy/intraday/config"
	"github.com/rustyeddy/intraday/engine"
	"github.com/rustyeddy/intraday/internal/logging"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/metrics"
	"github.com/rustyeddy/intraday/portfolio"
	"github.com/rustyeddy/intraday/score"
	"github.com/rustyeddy/intraday/session"
	"github.com/rustyeddy/intraday/signals"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the decision loop",
	Long: `Run the scan and risk cycles until interrupted.

The session is restored if a fresh snapshot exists. With no broker bridge
configured the built-in simulator is the venue. --paper forces paper mode,
in which orders are answered locally and never reach the exchange.

Example:
  trader run -f intraday.yaml --paper`,
	RunE: runRun,
}

var (
	runConfigPath string
	runPaper      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "file", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.Flags().BoolVar(&runPaper, "paper", false, "force paper mode regardless of the config")
	runCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runPaper {
		cfg.Mode = config.ModePaper
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

// serve assembles every component from cfg and runs them until ctx is
// done or one of them fails.
func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	scrip, err := market.LoadScripMaster(cfg.ScripMaster)
	if err != nil {
		return fmt.Errorf("load scrip master: %w", err)
	}

	scorer, err := score.New(signals.Builtins(), scoreConfig(cfg), logging.Component(log, "score"))
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}

	sink, err := buildSinks(cfg, met, log)
	if err != nil {
		return err
	}

	ecfg, err := engineConfig(cfg)
	if err != nil {
		sink.Close()
		return err
	}

	v := buildVenue(cfg)
	ticks := market.NewTickStore()
	eng, err := engine.New(ecfg, engine.Deps{
		Store:   portfolio.NewStore(),
		Ticks:   ticks,
		Gateway: v.gw,
		Oracle:  v.oracle,
		Scrip:   scrip,
		Scorer:  scorer,
		Session: session.New(cfg.Session.Path, config.Duration(cfg.Session.MaxAge), logging.Component(log, "session")),
		Sink:    sink,
		Metrics: met,
		Policy:  riskPolicy(cfg),
		Orders:  ordersConfig(cfg),
		Exits:   exitsConfig(cfg),
	}, log)
	if err != nil {
		sink.Close()
		return err
	}
	defer eng.Close()

	if cfg.Admin.FreezeFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Admin.FreezeFile), 0o755); err != nil {
			return err
		}
	}

	restored := eng.Restore()
	log.Info().
		Str("mode", cfg.Mode).
		Str("strategy", cfg.Orders.Strategy).
		Bool("bridge", cfg.Broker.BridgeURL != "").
		Bool("restored", restored).
		Int("positions", eng.Store().Len()).
		Msg("starting")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Feed.URL != "" {
		f := feed.New(feed.Config{
			URL:         cfg.Feed.URL,
			Instruments: feedInstruments(ecfg.Universe, eng.Store()),
			Buffer:      cfg.Feed.Buffer,
		}, met, logging.Component(log, "feed"))
		ch := f.Ticks()
		if v.sim != nil {
			ch = teeSim(gctx, ch, v.sim)
		}
		eng.AttachFeed(ch)
		eng.AttachSubscriber(f)
		g.Go(func() error { return f.Run(gctx) })
	}

	if cfg.Admin.Addr != "" {
		srv := admin.New(cfg.Admin.Addr, eng, reg, log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Admin.FreezeFile != "" {
		fw := admin.NewFreezeWatcher(cfg.Admin.FreezeFile, eng, log)
		g.Go(func() error { return fw.Run(gctx) })
	}

	g.Go(func() error { return eng.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("stopped with error")
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

// feedInstruments is the universe plus every contract a restored position
// is marked against. Contracts of later entries are added by the engine.
func feedInstruments(universe []market.Instrument, store *portfolio.Store) []market.Instrument {
	out := append([]market.Instrument(nil), universe...)
	seen := make(map[market.Instrument]bool, len(out))
	for _, inst := range out {
		seen[inst] = true
	}
	for _, p := range store.Positions() {
		for _, inst := range p.MarkInstruments() {
			if !seen[inst] {
				seen[inst] = true
				out = append(out, inst)
			}
		}
	}
	return out
}
