package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/powermarket/internal/api"
	"github.com/atmx/powermarket/internal/auction"
	"github.com/atmx/powermarket/internal/balancing"
	"github.com/atmx/powermarket/internal/config"
	"github.com/atmx/powermarket/internal/gateway"
	"github.com/atmx/powermarket/internal/ledger"
	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/simclock"
	"github.com/atmx/powermarket/internal/store"
	"github.com/atmx/powermarket/internal/tariffmarket"
)

// Scheduler phases.
const (
	phaseTariffs   = 1
	phaseCustomers = 2
	phaseAuction   = 3
	phaseBalancing = 4
	phaseLedger    = 5
)

// orderbookRetention is how many past timeslots of orderbooks are kept.
const orderbookRetention = 48

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	params := cfg.Resolve(cfg.NewRand())
	slog.Info("game parameters",
		"bank_interest", params.BankInterest,
		"publication_fee", params.PublicationFee,
		"revocation_fee", params.RevocationFee,
		"balancing_cost", params.BalancingCost,
		"seed", cfg.Server.Seed)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Repositories ---
	brokers := store.NewBrokerRepo()
	tariffs := store.NewTariffRepo()
	books := store.NewOrderbookRepo()
	for _, bc := range cfg.Brokers {
		if err := brokers.Add(model.NewBroker(bc.Name, bc.Wholesale)); err != nil {
			slog.Error("broker setup failed", "broker", bc.Name, "err", err)
			os.Exit(1)
		}
	}

	// --- Outbound delivery ---
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	router := &gateway.Router{}
	hub := gateway.NewHub(brokers, router, logger)
	go hub.Run(ctx)
	proxy := gateway.Fanout{hub}

	if cfg.Server.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Server.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		pub := gateway.NewRedisPublisher(rdb, 24*cfg.Clock.TimeslotLength, logger)
		go pub.Run(ctx)
		proxy = append(proxy, pub)
		slog.Info("Redis publishing enabled")
	} else {
		slog.Warn("REDIS_URL not set, broker messages go to WebSocket clients only")
	}

	// --- Market components ---
	clock := simclock.New(cfg.Clock.Start, cfg.Clock.TimeslotsOpen)
	led := ledger.New(cfg.LedgerConfig(params), brokers, clock, proxy, logger)
	auc := auction.New(cfg.AuctionConfig(), clock, led, books, proxy, cfg.PositionLimiter(), logger)
	reg := tariffmarket.New(cfg.TariffMarketConfig(params), clock, led, tariffs, proxy, logger)
	bal := balancing.New(cfg.BalancingConfig(params), clock, led, brokers, books, proxy, nil, logger)
	router.Orders = auc
	router.Tariffs = reg

	if err := installDefaultTariffs(cfg, brokers, reg); err != nil {
		slog.Error("default tariff setup failed", "err", err)
		os.Exit(1)
	}

	sched := simclock.NewScheduler(clock, logger)
	sched.Register(phaseTariffs, reg)
	// Customer models attach at phaseCustomers through the registry's
	// subscription API.
	sched.Register(phaseAuction, auc)
	sched.Register(phaseBalancing, bal)
	sched.Register(phaseLedger, led)
	sched.Register(phaseLedger, simclock.ActivatorFunc(func(time.Time, int) {
		books.Prune(clock.CurrentTimeslot() - orderbookRetention)
	}))

	// --- NATS ingress ---
	if cfg.Server.NATSURL != "" {
		nc, err := gateway.ConnectNATS(cfg.Server.NATSURL, logger)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		ingress := gateway.NewNATSIngress(nc, brokers, router, logger)
		if err := ingress.Start(); err != nil {
			slog.Error("NATS ingress failed", "err", err)
			os.Exit(1)
		}
		cleanup = append([]func(){ingress.Stop}, cleanup...)
	} else {
		slog.Info("NATS_URL not set, NATS ingress disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"powermarket","timeslot":%d}`, clock.CurrentTimeslot())
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/v1/ws", hub.HandleWS)

	// The WebSocket route is long-lived; only the REST routes get a timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		api.NewService(brokers, tariffs, books, clock, router).Register(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("powermarket listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	go sched.Run(ctx, cfg.Clock.TimeslotLength)
	slog.Info("simulation started",
		"start", clock.CurrentTime(),
		"timeslot_length", cfg.Clock.TimeslotLength,
		"timeslots_open", clock.TimeslotsOpen())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down powermarket...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("powermarket stopped")
}

// installDefaultTariffs offers the fallback consumption and production
// tariffs on behalf of the first retail broker.
func installDefaultTariffs(cfg *config.Config, brokers *store.BrokerRepo, reg *tariffmarket.Registry) error {
	retail := brokers.Retail()
	if len(retail) == 0 {
		slog.Warn("no retail broker configured, skipping default tariffs")
		return nil
	}
	owner := retail[0]
	for pt, rate := range map[model.PowerType]float64{
		model.Consumption: cfg.Tariffs.DefaultConsumptionRate,
		model.Production:  cfg.Tariffs.DefaultProductionRate,
	} {
		if rate == 0 {
			continue
		}
		id := fmt.Sprintf("default-%s", pt)
		spec := &model.TariffSpecification{
			ID:        id,
			Broker:    owner,
			PowerType: pt,
			Rates:     []*model.Rate{model.NewFixedRate(id+"-rate", decimal.NewFromFloat(rate))},
		}
		if _, err := reg.SetDefaultTariff(spec); err != nil {
			return fmt.Errorf("%s: %w", pt, err)
		}
		slog.Info("default tariff offered", "power_type", pt, "broker", owner.Username, "rate", rate)
	}
	return nil
}
