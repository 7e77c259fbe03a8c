package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/optionperps/engine/internal/api"
	"github.com/optionperps/engine/internal/config"
	"github.com/optionperps/engine/internal/engine"
	"github.com/optionperps/engine/internal/keeper"
	"github.com/optionperps/engine/internal/logging"
	"github.com/optionperps/engine/internal/metrics"
	"github.com/optionperps/engine/internal/model"
	"github.com/optionperps/engine/internal/oracle"
	"github.com/optionperps/engine/internal/store"
	"github.com/optionperps/engine/internal/token"
)

func main() {
	// A missing .env is fine; the environment and the config file still apply.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("OPTIONPERPS_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logFile := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	logFile.Close()
	if err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	fmt.Println("optionperps engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	params, err := cfg.EngineParams()
	if err != nil {
		return err
	}

	// --- Price feed ---
	var prices oracle.PriceFeed
	var stream *oracle.StreamFeed
	if url := cfg.Oracle.PriceWSURL; url != "" {
		stream = oracle.NewStreamFeed(url, cfg.Oracle.MaxPriceAge)
		prices = stream
		slog.Info("streaming mark price", "url", url)
	} else {
		prices = oracle.NewStaticFeed(cfg.StaticPrice())
		slog.Warn("price_ws_url not set, using static mark price", "price", cfg.Oracle.StaticPrice.String())
	}

	// --- In-memory token collaborators ---
	quote := token.NewLedger(params.Pair.Quote)
	base := token.NewLedger(params.Pair.Base)
	perps, options := restoreRegistries(snap)
	c := engine.Collaborators{
		Prices:     prices,
		Volatility: oracle.NewStaticVolatility(cfg.Volatility()),
		Premiums:   oracle.NewBlackScholes(cfg.RiskFreeRate()),
		QuoteToken: quote,
		BaseToken:  base,
		QuoteLP:    token.NewLedger("LP-" + params.Pair.Quote),
		BaseLP:     token.NewLedger("LP-" + params.Pair.Base),
		Perps:      perps,
		Options:    options,
		Swap:       token.NewMarkSwapRouter(quote, base, prices),
	}

	// --- WebSocket hub ---
	hub := api.NewHub()

	// --- Engine ---
	eng, err := engine.New(params, c,
		engine.WithStore(st),
		engine.WithLimiter(cfg.Limiter()),
		engine.WithLogger(logger),
		engine.WithNotifier(hub),
	)
	if err != nil {
		return err
	}
	eng.Restore(snap)

	var faucet api.Faucet
	if cfg.Server.Faucet {
		faucet = token.NewFaucet(quote, base)
		slog.Warn("faucet enabled")
	}
	handler := api.NewHandler(eng, st, cfg.Server.AdminToken, faucet)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.AccountHeader+", "+api.AdminTokenHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"optionperps-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", handler.Routes(hub))

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	if stream != nil {
		g.Go(func() error {
			if err := stream.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if cfg.Keeper.Enabled {
		k := keeper.New(eng, keeper.Config{
			Account:          cfg.Keeper.Account,
			Interval:         cfg.Keeper.Interval,
			ActionsPerSecond: cfg.Keeper.ActionsPerSecond,
			Burst:            cfg.Keeper.Burst,
		}, logger)
		g.Go(func() error { return k.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("optionperps engine listening", "port", cfg.Server.Port, "pair", params.Pair.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		slog.Info("shutting down optionperps engine...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore picks PostgreSQL (optionally behind Redis) when a database URL
// is configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}

// restoreRegistries rebuilds position ownership from persisted state.
func restoreRegistries(snap model.Snapshot) (perps, options *token.Registry) {
	perps, options = token.NewRegistry(), token.NewRegistry()
	for _, p := range snap.Positions {
		perps.Restore(p.ID, p.Owner)
	}
	for _, o := range snap.Options {
		options.Restore(o.ID, o.Owner)
	}
	return perps, options
}
