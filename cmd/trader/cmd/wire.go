package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/broker/bridge"
	"github.com/rustyeddy/intraday/config"
	"github.com/rustyeddy/intraday/engine"
	"github.com/rustyeddy/intraday/exits"
	"github.com/rustyeddy/intraday/internal/logging"
	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/metrics"
	"github.com/rustyeddy/intraday/orders"
	"github.com/rustyeddy/intraday/portfolio"
	"github.com/rustyeddy/intraday/risk"
	"github.com/rustyeddy/intraday/score"
	"github.com/rustyeddy/intraday/sim"
)

// The helpers below translate the validated file configuration into the
// option structs of each component.

func engineConfig(c *config.Config) (engine.Config, error) {
	universe, err := c.Instruments()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Universe:        universe,
		Scan:            config.Duration(c.Cadence.Scan),
		Risk:            config.Duration(c.Cadence.Risk),
		Snapshot:        config.Duration(c.Cadence.Snapshot),
		MaterialMovePct: c.Cadence.MaterialMovePct,
		EntryStart:      config.Clock(c.Cadence.EntryStart),
		EntryStop:       config.Clock(c.Cadence.EntryStop),
		EODSquareOff:    config.Clock(c.Cadence.EODSquareOff),
		Location:        market.IST,
		Threshold:       c.Scoring.Threshold,
		TopN:            c.Scoring.TopN,
		CandleInterval:  config.Duration(c.Scoring.CandleInterval),
		CandleWindow:    c.Scoring.CandleWindow,
		Strategy:        orders.Strategy(c.Orders.Strategy),
		DryRun:          c.Mode == config.ModePaper,
	}, nil
}

func segmentRules(s config.SegmentConfig) risk.SegmentRules {
	return risk.SegmentRules{
		PriceCap:        s.PriceCap,
		SlopePeriod:     s.SlopePeriod,
		SlopeLookback:   s.SlopeLookback,
		MinSlope:        s.MinSlope,
		FreshnessWindow: s.FreshnessWindow,
		FreshnessPct:    s.FreshnessPct,
	}
}

func riskPolicy(c *config.Config) risk.Policy {
	p := risk.Policy{
		Cooldown:         config.Duration(c.Guard.Cooldown),
		MaxOpenPositions: c.Scoring.MaxOpenPositions,
		MaxTradesPerDay:  c.Guard.MaxTradesPerDay,
		Default:          segmentRules(c.Guard.Default),
	}
	if len(c.Guard.Segments) > 0 {
		p.Segments = make(map[string]risk.SegmentRules, len(c.Guard.Segments))
		for ex, s := range c.Guard.Segments {
			p.Segments[strings.ToUpper(ex)] = segmentRules(s)
		}
	}
	return p
}

func ordersConfig(c *config.Config) orders.Config {
	e := c.Exits
	return orders.Config{
		Strategy:         orders.Strategy(c.Orders.Strategy),
		Expiry:           market.ExpiryBucket(c.Orders.Expiry),
		HedgeDistance:    c.Orders.HedgeDistance,
		LotMultiplier:    c.Orders.LotMultiplier,
		FutureMaxLossPct: e.FutureMaxLossPct,
		SpreadMaxLossPct: e.SpreadMaxLossPct,
		ATRMultTrending:  e.ATRMultTrending,
		ATRMultSideways:  e.ATRMultSideways,
		Risk: portfolio.RiskParams{
			TakeProfitDecayPct:  e.TakeProfitDecayPct,
			TakeProfitCash:      e.TakeProfitCash,
			TrailActivatePct:    e.TrailActivatePct,
			TrailGapPct:         e.TrailGapPct,
			PeakLockTriggerPct:  e.PeakLockTriggerPct,
			PeakLockFloorPct:    e.PeakLockFloorPct,
			RetraceActivateCash: e.RetraceActivateCash,
			RetracePct:          e.RetracePct,
			SidewaysMinProfit:   e.SidewaysMinProfit,
		},
	}
}

func exitsConfig(c *config.Config) exits.Config {
	return exits.Config{
		HardStopLoss: c.Exits.HardStopLoss,
		HardTarget:   c.Exits.HardTarget,
		Global: exits.GlobalConfig{
			Enabled:    c.Exits.GlobalTSL.Enabled,
			Activation: c.Exits.GlobalTSL.Activation,
			Retrace:    c.Exits.GlobalTSL.Retrace,
		},
	}
}

func scoreConfig(c *config.Config) score.Config {
	filters := make([]score.Filter, len(c.Scoring.Filters))
	for i, f := range c.Scoring.Filters {
		filters[i] = score.Filter{Name: f.Name, Weight: f.Weight}
	}
	orb := score.DefaultORBSchedule()
	orb.Midday = c.Scoring.ORBMiddayWeight
	orb.Late = c.Scoring.ORBLateWeight
	return score.Config{
		Filters:      filters,
		ORB:          orb,
		Location:     market.IST,
		RegimePeriod: c.Scoring.RegimePeriod,
		SidewaysADX:  c.Scoring.SidewaysADX,
	}
}

// venue is the broker side of a run: the gateway the engine trades on, the
// margin oracle it sizes against, and the simulator when no bridge is
// configured.
type venue struct {
	gw     broker.Gateway
	oracle broker.MarginOracle
	sim    *sim.Engine
}

// buildVenue chooses the bridge when one is configured and the simulator
// otherwise. Paper mode against a live bridge answers orders locally.
func buildVenue(c *config.Config) venue {
	ttl := config.Duration(c.Broker.MarginCacheTTL)
	if c.Broker.BridgeURL == "" {
		s := sim.NewEngine(sim.Config{
			Capital:           c.Sim.Capital,
			FuturesMarginRate: c.Sim.FuturesMarginRate,
			CandleInterval:    config.Duration(c.Scoring.CandleInterval),
		})
		return venue{gw: s, oracle: broker.NewCachedOracle(s, ttl), sim: s}
	}

	timeout := config.Duration(c.Broker.Timeout)
	client := bridge.New(bridge.Config{
		BaseURL:   c.Broker.BridgeURL,
		APIKey:    c.Broker.APIKey,
		APISecret: c.Broker.APISecret,
		Timeout:   timeout,
	})
	var gw broker.Gateway = broker.WithTimeout(client, timeout)
	gw = broker.WithRetry(gw, c.Broker.Retries, 250*time.Millisecond)
	if c.Mode == config.ModePaper {
		gw = broker.DryRun(gw)
	}
	return venue{gw: gw, oracle: broker.NewCachedOracle(client, ttl)}
}

// buildSinks opens every configured journal sink behind one fanout. A sink
// that fails to open aborts start-up; one that fails later only logs.
func buildSinks(c *config.Config, met *metrics.Metrics, log zerolog.Logger) (*journal.Fanout, error) {
	var sinks []journal.Sink
	fail := func(err error) (*journal.Fanout, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	j := c.Journal
	if j.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(j.SQLitePath), 0o755); err != nil {
			return fail(err)
		}
		db, err := journal.NewSQLite(j.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("open sqlite journal: %w", err))
		}
		sinks = append(sinks, db)
	}
	if j.CSVDir != "" {
		csv, err := journal.NewCSV(j.CSVDir)
		if err != nil {
			return fail(fmt.Errorf("open csv journal: %w", err))
		}
		sinks = append(sinks, csv)
	}
	if j.ParquetDir != "" {
		sinks = append(sinks, journal.NewParquetArchive(j.ParquetDir, market.IST))
	}
	if j.Telegram.Token != "" {
		sinks = append(sinks, journal.NewTelegram(journal.TelegramConfig{
			Token:  j.Telegram.Token,
			ChatID: j.Telegram.ChatID,
			Queue:  j.Telegram.Queue,
		}, logging.Component(log, "telegram")))
	}
	return journal.NewFanout(logging.Component(log, "journal"), met.SinkFailed, sinks...), nil
}

// teeSim copies feed ticks into the simulator so its quotes and fills follow
// the live market, then passes them on to the engine.
func teeSim(ctx context.Context, in <-chan market.Tick, s *sim.Engine) <-chan market.Tick {
	out := make(chan market.Tick, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-in:
				if !ok {
					return
				}
				s.UpdateTick(t)
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
