package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/logging"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/mining"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/perp"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/transfer"
	"github.com/atmx/ledger-engine/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New("server", cfg.LogLevel)
	componentLog := func(name string) zerolog.Logger { return logging.New(name, cfg.LogLevel) }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(err error, msg string) {
		log.Error().Err(err).Msg(msg)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Redis (cache, prices, pub/sub) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal(err, "invalid REDIS_URL")
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(err, "database connection failed")
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			fatal(err, "schema migration failed")
		}
		st = pg
		log.Info().Msg("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			log.Info().Dur("ttl", cfg.CacheTTL).Msg("Redis cache enabled")
		}
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price oracle ---
	var prices oracle.Oracle
	if rdb != nil {
		prices = oracle.NewRedisOracle(rdb)
	} else {
		log.Warn().Msg("REDIS_URL not set, serving static development prices")
		prices = oracle.NewStaticOracle(map[string]decimal.Decimal{
			"BTC": decimal.NewFromInt(60000),
			"ETH": decimal.NewFromInt(3000),
		})
	}

	// --- Change notifications ---
	wsHub := notify.NewWSHub(componentLog("ws"))
	go wsHub.Run(ctx)

	bus := notify.NewBus()
	bus.SubscribeAll(func(evt notify.Event) {
		log.Debug().Str("event_id", evt.ID).Str("type", string(evt.Type)).Str("user", evt.UserID).Msg("ledger event")
	})

	sinks := []notify.Publisher{bus, wsHub}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisPublisher(rdb))
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("ledger-engine"))
		if err != nil {
			fatal(err, "NATS connection failed")
		}
		cleanup = append(cleanup, func() { nc.Drain() })

		js, err := jetstream.New(nc)
		if err != nil {
			fatal(err, "JetStream unavailable")
		}
		if err := notify.EnsureStream(ctx, js); err != nil {
			fatal(err, "JetStream stream setup failed")
		}
		sinks = append(sinks, notify.NewNATSPublisher(js))
		log.Info().Msg("publishing ledger events to NATS")
	}
	pub := notify.NewMulti(componentLog("notify"), sinks...)

	// --- Engines ---
	walletEngine := wallet.NewEngine(st, pub, componentLog("wallet"))

	var limiter *risk.Limiter
	if cfg.MaxPairNotional.IsPositive() || cfg.MaxTotalNotional.IsPositive() {
		limiter = risk.NewLimiter(cfg.MaxPairNotional, cfg.MaxTotalNotional)
	}
	positions := perp.NewEngine(walletEngine, prices, componentLog("perp"), perp.Options{
		MaxLeverage: cfg.MaxLeverage,
		Currency:    cfg.SettlementCurrency,
		Limiter:     limiter,
	})
	contracts := mining.NewService(walletEngine, componentLog("mining"), cfg.SettlementCurrency)
	transfers := transfer.NewService(walletEngine, componentLog("transfer"))

	// --- Background work ---
	scheduler := mining.NewScheduler(contracts, cfg.PayoutInterval, componentLog("scheduler"))
	scheduler.Start(ctx)
	cleanup = append(cleanup, scheduler.Stop)

	monitor := perp.NewMonitor(st, prices, componentLog("monitor"), cfg.MonitorInterval)
	go monitor.Run(ctx)

	// --- HTTP router ---
	handler := api.NewHandler(api.Deps{
		Wallet:    walletEngine,
		Positions: positions,
		Contracts: contracts,
		Transfers: transfers,
		Refresher: scheduler,
		Log:       componentLog("api"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live ledger events, outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("ledger-engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info().Msg("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
