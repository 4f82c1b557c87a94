// Package admin is the operator surface: health, metrics, read-only views
// of the engine and the freeze/square-off switches.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /status
//	GET  /positions
//	POST /freeze
//	POST /unfreeze
//	POST /squareoff
//	POST /close?instrument=NSE:2885
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/engine"
	"github.com/rustyeddy/intraday/internal/logging"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

// Engine is what the admin surface needs from the decision loop.
type Engine interface {
	Status() engine.Status
	Positions() []*portfolio.Position
	Submit(ctx context.Context, cmd engine.Command) (engine.CommandResult, error)
}

type Server struct {
	addr    string
	eng     Engine
	gather  prometheus.Gatherer
	log     zerolog.Logger
	timeout time.Duration
}

func New(addr string, eng Engine, gather prometheus.Gatherer, log zerolog.Logger) *Server {
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	return &Server{addr: addr, eng: eng, gather: gather, log: logging.Component(log, "admin"), timeout: 30 * time.Second}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.get(func(r *http.Request) any { return s.eng.Status() }))
	mux.HandleFunc("/positions", s.get(func(r *http.Request) any {
		ps := s.eng.Positions()
		if ps == nil {
			ps = []*portfolio.Position{}
		}
		return ps
	}))
	mux.HandleFunc("/freeze", s.post(engine.CmdFreeze))
	mux.HandleFunc("/unfreeze", s.post(engine.CmdUnfreeze))
	mux.HandleFunc("/squareoff", s.post(engine.CmdSquareOff))
	mux.HandleFunc("/close", s.post(engine.CmdClose))
	return mux
}

func (s *Server) get(fn func(r *http.Request) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, fn(r))
	}
}

func (s *Server) post(kind engine.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cmd := engine.Command{Kind: kind, Source: "http " + r.RemoteAddr}
		if kind == engine.CmdClose {
			inst, err := market.ParseInstrument(r.URL.Query().Get("instrument"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			cmd.Instrument = inst
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		res, err := s.eng.Submit(ctx, cmd)
		if err != nil {
			s.log.Error().Err(err).Str("command", string(kind)).Msg("admin command failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.Info().Str("command", string(kind)).Str("remote", r.RemoteAddr).Int("closed", len(res.Closed)).Msg("admin command")
		status := http.StatusOK
		if res.Err != "" {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
