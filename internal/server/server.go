// Package server exposes a read-only HTTP status surface: health, the
// current cycle, and open positions. It mutates nothing; operators act
// through the CLI tools.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"daytrader/internal/broker"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/models"
	"daytrader/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     *storage.Store
	broker    broker.Broker
	clock     clock.Clock
	logger    *logrus.Logger
	port      int
	authToken string
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Date           string    `json:"date"`
	CycleState     string    `json:"cycle_state"`
	Mode           string    `json:"mode"`
	TradesExecuted int       `json:"trades_executed"`
	TradesWon      int       `json:"trades_won"`
	TradesLost     int       `json:"trades_lost"`
	DailyPnL       float64   `json:"daily_pnl"`
	OpenPositions  int       `json:"open_positions"`
	MarketPhase    string    `json:"market_phase"`
	AccountEquity  float64   `json:"account_equity"`
	Timestamp      time.Time `json:"timestamp"`
}

// PositionView is the wire shape of one position.
type PositionView struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Status        string    `json:"status"`
	Qty           float64   `json:"qty"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	PnLPct        float64   `json:"pnl_pct"`
	OpenedAt      time.Time `json:"opened_at"`
}

func New(cfg config.ServerConfig, store *storage.Store, b broker.Broker, clk clock.Clock, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		broker:    b,
		clock:     clk,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/watchdog", s.handleWatchdogActivity)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("status server listening on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{
		MarketPhase: s.clock.MarketPhase(),
		Timestamp:   time.Now(),
	}

	date := s.clock.Now().Format("2006-01-02")
	cycle, err := s.store.GetCycleByDate(ctx, date)
	if err == nil {
		resp.Date = cycle.Date
		resp.CycleState = string(cycle.State)
		resp.Mode = string(cycle.Mode)
		resp.TradesExecuted = cycle.TradesExecuted
		resp.TradesWon = cycle.TradesWon
		resp.TradesLost = cycle.TradesLost
		resp.DailyPnL = cycle.DailyPnL
	} else if !errors.Is(err, storage.ErrCycleNotFound) {
		s.logger.WithError(err).Error("status: cycle lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	open, err := s.store.ListOpenPositions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("status: position count failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	resp.OpenPositions = len(open)

	if account, err := s.broker.GetAccount(ctx); err != nil {
		s.logger.WithError(err).Warn("status: account fetch failed")
	} else {
		resp.AccountEquity = account.Equity
	}

	s.writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListOpenPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("positions lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toView(p))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleWatchdogActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := s.store.ListWatchdogActivity(r.Context(), 50)
	if err != nil {
		s.logger.WithError(err).Error("watchdog activity lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, activity)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("response encode failed")
	}
}

func toView(p *models.Position) PositionView {
	return PositionView{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Status:        string(p.Status),
		Qty:           p.Qty,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		UnrealizedPnL: p.UnrealizedPnL,
		PnLPct:        p.UnrealizedPct,
		OpenedAt:      p.EntryTime,
	}
}
