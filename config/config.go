package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/intraday/market"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config is the complete engine configuration.
type Config struct {
	Mode        string   `json:"mode" yaml:"mode"` // "paper" or "live"
	Universe    []string `json:"universe" yaml:"universe"`
	ScripMaster string   `json:"scrip_master" yaml:"scrip_master"`

	Log     LogConfig     `json:"log" yaml:"log"`
	Cadence CadenceConfig `json:"cadence" yaml:"cadence"`
	Scoring ScoringConfig `json:"scoring" yaml:"scoring"`
	Guard   GuardConfig   `json:"guard" yaml:"guard"`
	Orders  OrdersConfig  `json:"orders" yaml:"orders"`
	Exits   ExitsConfig   `json:"exits" yaml:"exits"`
	Session SessionConfig `json:"session" yaml:"session"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Feed    FeedConfig    `json:"feed" yaml:"feed"`
	Sim     SimConfig     `json:"sim" yaml:"sim"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
	Admin   AdminConfig   `json:"admin" yaml:"admin"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

// CadenceConfig holds the loop timings. Durations are strings such as
// "5s"; clock times are "HH:MM" in exchange time.
type CadenceConfig struct {
	Scan            string  `json:"scan" yaml:"scan"`
	Risk            string  `json:"risk" yaml:"risk"`
	Snapshot        string  `json:"snapshot" yaml:"snapshot"`
	MaterialMovePct float64 `json:"material_move_pct" yaml:"material_move_pct"`
	EntryStart      string  `json:"entry_start" yaml:"entry_start"`
	EntryStop       string  `json:"entry_stop" yaml:"entry_stop"`
	EODSquareOff    string  `json:"eod_squareoff" yaml:"eod_squareoff"`
}

type FilterConfig struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
}

type ScoringConfig struct {
	Threshold        float64        `json:"threshold" yaml:"threshold"`
	TopN             int            `json:"top_n" yaml:"top_n"`
	MaxOpenPositions int            `json:"max_open_positions" yaml:"max_open_positions"`
	CandleInterval   string         `json:"candle_interval" yaml:"candle_interval"`
	CandleWindow     int            `json:"candle_window" yaml:"candle_window"`
	Filters          []FilterConfig `json:"filters" yaml:"filters"`
	ORBMiddayWeight  float64        `json:"orb_midday_weight" yaml:"orb_midday_weight"`
	ORBLateWeight    float64        `json:"orb_late_weight" yaml:"orb_late_weight"`
	RegimePeriod     int            `json:"regime_period" yaml:"regime_period"`
	SidewaysADX      float64        `json:"sideways_adx" yaml:"sideways_adx"`
}

// SegmentConfig are the trend guard thresholds for one exchange segment.
type SegmentConfig struct {
	PriceCap        float64 `json:"price_cap" yaml:"price_cap"`
	SlopePeriod     int     `json:"slope_period" yaml:"slope_period"`
	SlopeLookback   int     `json:"slope_lookback" yaml:"slope_lookback"`
	MinSlope        float64 `json:"min_slope" yaml:"min_slope"`
	FreshnessWindow int     `json:"freshness_window" yaml:"freshness_window"`
	FreshnessPct    float64 `json:"freshness_pct" yaml:"freshness_pct"`
}

type GuardConfig struct {
	Cooldown        string                   `json:"cooldown" yaml:"cooldown"`
	MaxTradesPerDay int                      `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	Default         SegmentConfig            `json:"default" yaml:"default"`
	Segments        map[string]SegmentConfig `json:"segments,omitempty" yaml:"segments,omitempty"`
}

type OrdersConfig struct {
	Strategy      string `json:"strategy" yaml:"strategy"` // "future" or "spread"
	Expiry        string `json:"expiry" yaml:"expiry"`     // "weekly" or "monthly"
	HedgeDistance int    `json:"hedge_distance" yaml:"hedge_distance"`
	LotMultiplier int    `json:"lot_multiplier" yaml:"lot_multiplier"`
}

type GlobalTSLConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Activation float64 `json:"activation" yaml:"activation"`
	Retrace    float64 `json:"retrace" yaml:"retrace"` // fraction, 0.2 = 20%
}

type ExitsConfig struct {
	FutureMaxLossPct    float64         `json:"future_max_loss_pct" yaml:"future_max_loss_pct"`
	SpreadMaxLossPct    float64         `json:"spread_max_loss_pct" yaml:"spread_max_loss_pct"`
	ATRMultTrending     float64         `json:"atr_mult_trending" yaml:"atr_mult_trending"`
	ATRMultSideways     float64         `json:"atr_mult_sideways" yaml:"atr_mult_sideways"`
	TakeProfitDecayPct  float64         `json:"take_profit_decay_pct" yaml:"take_profit_decay_pct"`
	TakeProfitCash      float64         `json:"take_profit_cash" yaml:"take_profit_cash"`
	TrailActivatePct    float64         `json:"trail_activate_pct" yaml:"trail_activate_pct"`
	TrailGapPct         float64         `json:"trail_gap_pct" yaml:"trail_gap_pct"`
	PeakLockTriggerPct  float64         `json:"peak_lock_trigger_pct" yaml:"peak_lock_trigger_pct"`
	PeakLockFloorPct    float64         `json:"peak_lock_floor_pct" yaml:"peak_lock_floor_pct"`
	RetraceActivateCash float64         `json:"retrace_activate_cash" yaml:"retrace_activate_cash"`
	RetracePct          float64         `json:"retrace_pct" yaml:"retrace_pct"` // fraction of max_pnl
	SidewaysMinProfit   float64         `json:"sideways_min_profit" yaml:"sideways_min_profit"`
	HardStopLoss        float64         `json:"hard_stop_loss" yaml:"hard_stop_loss"`
	HardTarget          float64         `json:"hard_target" yaml:"hard_target"`
	GlobalTSL           GlobalTSLConfig `json:"global_tsl" yaml:"global_tsl"`
}

type SessionConfig struct {
	Path   string `json:"path" yaml:"path"`
	MaxAge string `json:"max_age" yaml:"max_age"`
}

type BrokerConfig struct {
	BridgeURL      string `json:"bridge_url" yaml:"bridge_url"`
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APISecret      string `json:"api_secret,omitempty" yaml:"api_secret,omitempty"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	Retries        int    `json:"retries" yaml:"retries"`
	MarginCacheTTL string `json:"margin_cache_ttl" yaml:"margin_cache_ttl"`
}

type FeedConfig struct {
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Buffer int    `json:"buffer" yaml:"buffer"`
}

// SimConfig sizes the offline exchange used in paper mode without a bridge.
type SimConfig struct {
	Capital           float64 `json:"capital" yaml:"capital"`
	FuturesMarginRate float64 `json:"futures_margin_rate" yaml:"futures_margin_rate"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID string `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	Queue  int    `json:"queue" yaml:"queue"`
}

// JournalConfig selects the reporting sinks. Empty paths disable a sink.
type JournalConfig struct {
	SQLitePath string         `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	CSVDir     string         `json:"csv_dir,omitempty" yaml:"csv_dir,omitempty"`
	ParquetDir string         `json:"parquet_dir,omitempty" yaml:"parquet_dir,omitempty"`
	Telegram   TelegramConfig `json:"telegram" yaml:"telegram"`
}

type AdminConfig struct {
	Addr       string `json:"addr" yaml:"addr"`
	FreezeFile string `json:"freeze_file,omitempty" yaml:"freeze_file,omitempty"`
}

// LoadFromFile loads configuration from a file, YAML first with a JSON
// fallback, then applies .env files and INTRADAY_* environment overrides
// and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads each file that exists. Variables already set in the
// environment win.
func loadDotEnv(paths ...string) error {
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides credentials and endpoints from INTRADAY_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("INTRADAY_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("INTRADAY_BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("INTRADAY_BROKER_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
	if v := os.Getenv("INTRADAY_BRIDGE_URL"); v != "" {
		c.Broker.BridgeURL = v
	}
	if v := os.Getenv("INTRADAY_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("INTRADAY_TELEGRAM_TOKEN"); v != "" {
		c.Journal.Telegram.Token = v
	}
	if v := os.Getenv("INTRADAY_TELEGRAM_CHAT_ID"); v != "" {
		c.Journal.Telegram.ChatID = v
	}
	if v := os.Getenv("INTRADAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration and reports the first problem by its
// field path.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper:
	case ModeLive:
		if c.Broker.BridgeURL == "" {
			return fmt.Errorf("broker.bridge_url is required in live mode")
		}
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_key and broker.api_secret are required in live mode")
		}
	default:
		return fmt.Errorf("mode must be 'paper' or 'live'")
	}

	if len(c.Universe) == 0 {
		return fmt.Errorf("universe is required")
	}
	if _, err := c.Instruments(); err != nil {
		return err
	}
	if c.ScripMaster == "" {
		return fmt.Errorf("scrip_master is required")
	}

	durations := []struct {
		field, v string
	}{
		{"cadence.scan", c.Cadence.Scan},
		{"cadence.risk", c.Cadence.Risk},
		{"cadence.snapshot", c.Cadence.Snapshot},
		{"scoring.candle_interval", c.Scoring.CandleInterval},
		{"guard.cooldown", c.Guard.Cooldown},
		{"session.max_age", c.Session.MaxAge},
		{"broker.timeout", c.Broker.Timeout},
		{"broker.margin_cache_ttl", c.Broker.MarginCacheTTL},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.field, d.v); err != nil {
			return err
		}
	}
	clocks := []struct {
		field, v string
	}{
		{"cadence.entry_start", c.Cadence.EntryStart},
		{"cadence.entry_stop", c.Cadence.EntryStop},
		{"cadence.eod_squareoff", c.Cadence.EODSquareOff},
	}
	for _, ct := range clocks {
		if _, err := parseClock(ct.field, ct.v); err != nil {
			return err
		}
	}
	start, _ := market.ParseClock(c.Cadence.EntryStart)
	stop, _ := market.ParseClock(c.Cadence.EntryStop)
	eod, _ := market.ParseClock(c.Cadence.EODSquareOff)
	if minutes(stop) <= minutes(start) {
		return fmt.Errorf("cadence.entry_stop must be after cadence.entry_start")
	}
	if minutes(eod) < minutes(stop) {
		return fmt.Errorf("cadence.eod_squareoff must not be before cadence.entry_stop")
	}

	if c.Scoring.Threshold <= 0 {
		return fmt.Errorf("scoring.threshold must be positive")
	}
	if c.Scoring.TopN <= 0 {
		return fmt.Errorf("scoring.top_n must be positive")
	}
	if len(c.Scoring.Filters) == 0 {
		return fmt.Errorf("scoring.filters is required")
	}
	for i, f := range c.Scoring.Filters {
		if f.Name == "" {
			return fmt.Errorf("scoring.filters[%d].name is required", i)
		}
		if f.Weight < 0 {
			return fmt.Errorf("scoring.filters[%d].weight must not be negative", i)
		}
	}

	switch c.Orders.Strategy {
	case "future", "spread":
	default:
		return fmt.Errorf("orders.strategy must be 'future' or 'spread'")
	}
	switch market.ExpiryBucket(c.Orders.Expiry) {
	case market.Weekly, market.Monthly:
	default:
		return fmt.Errorf("orders.expiry must be 'weekly' or 'monthly'")
	}

	e := c.Exits
	if e.FutureMaxLossPct <= 0 {
		return fmt.Errorf("exits.future_max_loss_pct must be positive")
	}
	if e.SpreadMaxLossPct <= 0 {
		return fmt.Errorf("exits.spread_max_loss_pct must be positive")
	}
	if e.ATRMultTrending <= 0 || e.ATRMultSideways <= 0 {
		return fmt.Errorf("exits.atr_mult_trending and exits.atr_mult_sideways must be positive")
	}
	if e.TrailGapPct <= 0 {
		return fmt.Errorf("exits.trail_gap_pct must be positive")
	}
	if e.RetracePct <= 0 || e.RetracePct >= 1 {
		return fmt.Errorf("exits.retrace_pct must be between 0 and 1")
	}
	if e.GlobalTSL.Enabled {
		if e.GlobalTSL.Activation <= 0 {
			return fmt.Errorf("exits.global_tsl.activation must be positive")
		}
		if e.GlobalTSL.Retrace <= 0 || e.GlobalTSL.Retrace >= 1 {
			return fmt.Errorf("exits.global_tsl.retrace must be between 0 and 1")
		}
	}

	if c.Session.Path == "" {
		return fmt.Errorf("session.path is required")
	}
	if c.Mode == ModePaper && c.Broker.BridgeURL == "" && c.Sim.Capital <= 0 {
		return fmt.Errorf("sim.capital must be positive when no bridge is configured")
	}
	if (c.Journal.Telegram.Token == "") != (c.Journal.Telegram.ChatID == "") {
		return fmt.Errorf("journal.telegram.token and journal.telegram.chat_id must be set together")
	}
	return nil
}

// Instruments parses the universe.
func (c *Config) Instruments() ([]market.Instrument, error) {
	out := make([]market.Instrument, 0, len(c.Universe))
	seen := map[market.Instrument]bool{}
	for i, s := range c.Universe {
		inst, err := market.ParseInstrument(s)
		if err != nil {
			return nil, fmt.Errorf("universe[%d]: %w", i, err)
		}
		if seen[inst] {
			return nil, fmt.Errorf("universe[%d]: duplicate %s", i, inst)
		}
		seen[inst] = true
		out = append(out, inst)
	}
	return out, nil
}

// Duration returns a validated duration field; callers run Validate first.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// Clock returns a validated HH:MM field; callers run Validate first.
func Clock(v string) market.ClockTime {
	ct, _ := market.ParseClock(v)
	return ct
}

func parseDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

func parseClock(field, v string) (market.ClockTime, error) {
	ct, err := market.ParseClock(v)
	if err != nil {
		return market.ClockTime{}, fmt.Errorf("%s must be HH:MM: %w", field, err)
	}
	return ct, nil
}

func minutes(c market.ClockTime) int { return c.Hour*60 + c.Minute }

// Default returns a complete paper-trading configuration.
func Default() *Config {
	return &Config{
		Mode:        ModePaper,
		Universe:    []string{"NSE:2885", "NSE:11536", "NSE:1594"},
		ScripMaster: "./data/scrip_master.csv",
		Log:         LogConfig{Level: "info", Format: "json"},
		Cadence: CadenceConfig{
			Scan:            "5s",
			Risk:            "60s",
			Snapshot:        "5m",
			MaterialMovePct: 0.5,
			EntryStart:      "09:20",
			EntryStop:       "14:45",
			EODSquareOff:    "15:15",
		},
		Scoring: ScoringConfig{
			Threshold:      0.6,
			TopN:           3,
			CandleInterval: "5m",
			CandleWindow:   30,
			Filters: []FilterConfig{
				{Name: "orb", Weight: 0.3},
				{Name: "ema_trend", Weight: 0.3},
				{Name: "adx_trend", Weight: 0.25},
				{Name: "day_range", Weight: 0.15},
			},
			ORBMiddayWeight: 0.5,
			ORBLateWeight:   0.2,
			RegimePeriod:    14,
			SidewaysADX:     20,
		},
		Guard: GuardConfig{
			Cooldown: "15m",
			Default: SegmentConfig{
				SlopePeriod:     5,
				SlopeLookback:   6,
				FreshnessWindow: 15,
				FreshnessPct:    0.5,
			},
			Segments: map[string]SegmentConfig{
				"NSE": {SlopePeriod: 5, SlopeLookback: 6, FreshnessWindow: 15, FreshnessPct: 0.2},
			},
		},
		Orders: OrdersConfig{
			Strategy:      "future",
			Expiry:        string(market.Monthly),
			HedgeDistance: 2,
			LotMultiplier: 1,
		},
		Exits: ExitsConfig{
			FutureMaxLossPct:    5,
			SpreadMaxLossPct:    10,
			ATRMultTrending:     1.5,
			ATRMultSideways:     1.0,
			TakeProfitDecayPct:  10,
			TakeProfitCash:      5000,
			TrailActivatePct:    1.5,
			TrailGapPct:         0.75,
			PeakLockTriggerPct:  3,
			PeakLockFloorPct:    1,
			RetraceActivateCash: 1000,
			RetracePct:          0.45,
			SidewaysMinProfit:   500,
			HardStopLoss:        10000,
			HardTarget:          15000,
			GlobalTSL:           GlobalTSLConfig{Enabled: true, Activation: 2000, Retrace: 0.2},
		},
		Session: SessionConfig{Path: "./state/session.json", MaxAge: "30m"},
		Broker:  BrokerConfig{Timeout: "10s", Retries: 3, MarginCacheTTL: "60s"},
		Feed:    FeedConfig{Buffer: 1024},
		Sim:     SimConfig{Capital: 1_000_000, FuturesMarginRate: 0.15},
		Journal: JournalConfig{
			SQLitePath: "./state/journal.db",
			CSVDir:     "./state",
			Telegram:   TelegramConfig{Queue: 64},
		},
		Admin: AdminConfig{Addr: "127.0.0.1:9100", FreezeFile: "./state/FREEZE"},
	}
}
