package journal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramConfig struct {
	Token   string
	ChatID  string
	APIBase string // defaults to the public Bot API
	Queue   int
	Timeout time.Duration
}

// Telegram posts human-readable entry and exit notices through the Bot API.
// Messages are queued and sent by one background goroutine; when the queue
// is full the message is dropped, so a slow API never stalls the caller.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	log    zerolog.Logger
	done   chan struct{}

	mu     sync.Mutex
	queue  chan string
	closed bool

	// OnDrop is called for every message dropped on a full queue.
	OnDrop func()
}

func NewTelegram(cfg TelegramConfig, log zerolog.Logger) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultTelegramAPI
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	t := &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		queue:  make(chan string, cfg.Queue),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) RecordEntry(e EntryEvent) error {
	mode := ""
	if e.DryRun {
		mode = " [paper]"
	}
	return t.enqueue(fmt.Sprintf("ENTRY%s %s %s\nprice %.2f qty %d score %.2f %s\ncontract %s",
		mode, e.Symbol, e.Kind, e.Price, e.Quantity, e.Score, e.Regime, e.Contract))
}

func (t *Telegram) RecordExit(e ExitEvent) error {
	mode := ""
	if e.DryRun {
		mode = " [paper]"
	}
	return t.enqueue(fmt.Sprintf("EXIT%s %s %s\nPnL ₹%.2f (%.2f%%)\n%s",
		mode, e.Symbol, e.Kind, e.PnL, e.PnLPct, e.Reason))
}

// RecordScan sends the top of the ranking only.
func (t *Telegram) RecordScan(s ScanSnapshot) error {
	if len(s.Rows) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("SCAN " + s.Time.Format("15:04"))
	for i, r := range s.Rows {
		if i == 5 {
			break
		}
		mark := ""
		if r.Traded {
			mark = " *"
		}
		b.WriteString(fmt.Sprintf("\n%s %.2f%s", r.Symbol, r.Score, mark))
	}
	return t.enqueue(b.String())
}

func (t *Telegram) enqueue(msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("telegram sink closed")
	}
	select {
	case t.queue <- msg:
		return nil
	default:
		if t.OnDrop != nil {
			t.OnDrop()
		}
		return fmt.Errorf("telegram queue full, dropped message")
	}
}

func (t *Telegram) run() {
	defer close(t.done)
	for msg := range t.queue {
		if err := t.send(context.Background(), msg); err != nil {
			t.log.Warn().Err(err).Msg("telegram send failed")
		}
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.Token)
	form := url.Values{"chat_id": {t.cfg.ChatID}, "text": {text}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting messages and waits for the queue to drain.
func (t *Telegram) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	select {
	case <-t.done:
		return nil
	case <-time.After(t.cfg.Timeout):
		return fmt.Errorf("telegram: %d messages unsent at close", len(t.queue))
	}
}
