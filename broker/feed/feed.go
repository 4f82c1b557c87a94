// Package feed streams live ticks from the broker sidecar over a
// websocket and hands them to the engine on a bounded channel.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/internal/logging"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/metrics"
)

type Config struct {
	URL         string
	Instruments []market.Instrument
	Buffer      int
	ReadTimeout time.Duration
	Backoff     time.Duration // first reconnect delay, doubled up to MaxBackoff
	MaxBackoff  time.Duration
}

type message struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument"`
	LTP        float64 `json:"ltp"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	Time       int64   `json:"time"` // unix millis
}

type subscribe struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// Client keeps one websocket to the sidecar open, reconnecting with
// backoff until its context ends.
type Client struct {
	cfg     Config
	out     chan market.Tick
	met     *metrics.Metrics
	log     zerolog.Logger
	dropped atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn // nil between sessions
	subs []market.Instrument
	seen map[market.Instrument]bool
}

func New(cfg Config, met *metrics.Metrics, log zerolog.Logger) *Client {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		out:  make(chan market.Tick, cfg.Buffer),
		met:  met,
		log:  logging.Component(log, "feed"),
		seen: make(map[market.Instrument]bool),
	}
	c.add(cfg.Instruments)
	return c
}

// add records instruments not yet subscribed and returns them.
func (c *Client) add(insts []market.Instrument) []market.Instrument {
	var added []market.Instrument
	for _, in := range insts {
		if in.IsZero() || c.seen[in] {
			continue
		}
		c.seen[in] = true
		c.subs = append(c.subs, in)
		added = append(added, in)
	}
	return added
}

// Subscribe adds instruments to the subscription. On a live connection the
// new ones are requested at once; every reconnect requests the full set.
func (c *Client) Subscribe(insts ...market.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := c.add(insts)
	if len(added) == 0 || c.conn == nil {
		return
	}
	if err := c.write(c.conn, added); err != nil {
		// the read loop sees the broken connection and reconnects
		c.log.Warn().Err(err).Int("instruments", len(added)).Msg("subscribe failed")
		return
	}
	c.log.Info().Int("instruments", len(added)).Msg("feed subscription extended")
}

func (c *Client) write(conn *websocket.Conn, insts []market.Instrument) error {
	sub := subscribe{Action: "subscribe", Instruments: make([]string, 0, len(insts))}
	for _, in := range insts {
		sub.Instruments = append(sub.Instruments, in.String())
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(sub)
}

// Ticks is the receive side. It is never closed.
func (c *Client) Ticks() <-chan market.Tick { return c.out }

// Dropped counts ticks discarded because the channel was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Run blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	wait := c.cfg.Backoff
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > c.cfg.MaxBackoff {
			wait = c.cfg.Backoff
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("tick feed disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait *= 2
		if wait > c.cfg.MaxBackoff {
			wait = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	n := len(c.subs)
	err = c.write(conn, c.subs)
	if err == nil {
		c.conn = conn
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	c.log.Info().Str("url", c.cfg.URL).Int("instruments", n).Msg("tick feed connected")

	conn.SetReadLimit(1 << 20)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tk, err := decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("bad feed message")
			continue
		}
		if tk.Instrument.IsZero() {
			continue
		}
		c.publish(tk)
	}
}

func (c *Client) publish(tk market.Tick) {
	select {
	case c.out <- tk:
	default:
		c.dropped.Add(1)
		c.met.TickDropped()
	}
}

var errSkip = errors.New("not a tick")

// decode parses one frame. Heartbeats and other non-tick frames yield a
// zero Tick and no error.
func decode(data []byte) (market.Tick, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return market.Tick{}, err
	}
	if t := strings.ToLower(m.Type); t != "" && t != "tick" {
		return market.Tick{}, nil
	}
	if m.LTP <= 0 {
		return market.Tick{}, errSkip
	}
	inst, err := market.ParseInstrument(m.Instrument)
	if err != nil {
		return market.Tick{}, err
	}
	t := time.Now()
	if m.Time > 0 {
		t = time.UnixMilli(m.Time)
	}
	return market.Tick{
		Instrument: inst,
		Time:       t,
		LTP:        m.LTP,
		Open:       m.Open,
		High:       m.High,
		Low:        m.Low,
		Close:      m.Close,
		Volume:     m.Volume,
	}, nil
}
