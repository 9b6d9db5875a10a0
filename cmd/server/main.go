package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kitadi/exchange/internal/analytics"
	"github.com/kitadi/exchange/internal/api"
	"github.com/kitadi/exchange/internal/auth"
	"github.com/kitadi/exchange/internal/config"
	"github.com/kitadi/exchange/internal/db"
	"github.com/kitadi/exchange/internal/engine"
	"github.com/kitadi/exchange/internal/models"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Main entry point: sets up database, matching engine, analytics, and the
// HTTP server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pairs := make([]models.Pair, 0, len(cfg.Market.Pairs))
	for _, raw := range cfg.Market.Pairs {
		pair, err := models.ParsePair(raw)
		if err != nil {
			log.Fatal("invalid pair in MARKET_PAIRS", zap.String("pair", raw), zap.Error(err))
		}
		pairs = append(pairs, pair)
	}

	database, err := db.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	eng := engine.New(database, log, pairs)
	if err := eng.Rebuild(ctx); err != nil {
		log.Fatal("failed to rebuild order books", zap.Error(err))
	}

	authService := auth.NewService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	market := analytics.New(database, eng, cfg.Market.SnapshotTTL, log)
	handler := api.NewHandler(eng, market, authService, database, pairs[0], log)

	hub := api.NewHub(log)
	depthSnapshot := func() (any, error) {
		return market.Depth(ctx, pairs[0], cfg.Market.DepthLevels)
	}
	go hub.Run(ctx, cfg.Market.BroadcastInterval, depthSnapshot)

	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// WebSocket depth feed
	r.Get("/ws", hub.HandleWS(depthSnapshot))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/market/ticker", handler.GetTicker)
	r.Get("/market/depth", handler.GetDepth)
	r.Get("/market/candles", handler.GetCandles)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/wallets", handler.GetWallets)
		r.Post("/wallets/deposit", handler.Deposit)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", zap.String("addr", addr), zap.Int("pairs", len(pairs)))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server stopped")
}
