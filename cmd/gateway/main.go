// Shield gateway: runs the custody ledger, lending ledger, and coordinator
// in one process, bound by the in-process relay, and exposes the
// coordinator API plus the monitor websocket stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shieldlend/internal/coordinator"
	"shieldlend/internal/custody"
	"shieldlend/internal/domain"
	"shieldlend/internal/handler"
	"shieldlend/internal/idempotency"
	"shieldlend/internal/lending"
	"shieldlend/internal/middleware"
	"shieldlend/internal/pricefeed"
	"shieldlend/internal/relay"
	postgresrepo "shieldlend/internal/repository/postgres"
	"shieldlend/pkg/config"
	"shieldlend/pkg/logger"
	"shieldlend/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("gateway")

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	var db *sqlx.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatal("database connection failed", map[string]interface{}{"error": err.Error()})
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	coordConsumed := buildStore(cfg, db, "coordinator", log)
	custodyConsumed := buildStore(cfg, db, "custody", log)
	lendingConsumed := buildStore(cfg, db, "lending", log)

	custodySvc := custody.NewService(custody.Config{
		OriginDomain: cfg.Identity.CustodyDomain,
		Address:      domain.Address(cfg.Identity.CustodyAddress),
		Coordinator:  domain.Address(cfg.Identity.Coordinator),
		Operator:     domain.Address(cfg.Identity.Operator),
		MinFeeBuffer: cfg.Protocol.MinFeeBuffer,
	}, custodyConsumed, nil, logger.New("custody"))

	lendingSvc := lending.NewService(lending.Config{
		Address:     domain.Address(cfg.Identity.LendingAddress),
		Coordinator: domain.Address(cfg.Identity.Coordinator),
		Operator:    domain.Address(cfg.Identity.Operator),
		MaxLoanSize: cfg.Protocol.MaxLoanSize,
	}, logger.New("lending"))

	bus := relay.New(relay.Config{
		Identity:           domain.Address(cfg.Identity.TrustedRelay),
		CoordinatorAddress: domain.Address(cfg.Identity.Coordinator),
		CustodyDomain:      cfg.Identity.CustodyDomain,
		LendingDomain:      cfg.Identity.LendingDomain,
	}, custodySvc, lendingSvc, custodyConsumed, lendingConsumed, relay.Options{}, logger.New("relay"))

	coordSvc := coordinator.NewService(coordinator.Config{
		TrustedRelay:   domain.Address(cfg.Identity.TrustedRelay),
		Operator:       domain.Address(cfg.Identity.Operator),
		CustodyDomain:  cfg.Identity.CustodyDomain,
		CustodyAddress: domain.Address(cfg.Identity.CustodyAddress),
		LendingDomain:  cfg.Identity.LendingDomain,
		LendingAddress: domain.Address(cfg.Identity.LendingAddress),
		Protocol:       cfg.Protocol,
	}, coordConsumed, bus, logger.New("coordinator"))
	bus.Bind(coordSvc)
	custodySvc.BindEmitter(bus)

	if db != nil {
		coordSvc.WithPositionWriter(postgresrepo.NewPositionRepository(db))
		log.Info("position snapshots enabled", nil)
	}

	broadcaster := pricefeed.NewBroadcaster(logger.New("pricefeed"))
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if broadcaster.ClientCount() == 0 {
				continue
			}
			price, updated := coordSvc.CurrentPrice()
			broadcaster.Broadcast(map[string]interface{}{
				"price":       price,
				"last_update": updated,
				"mode":        string(coordSvc.Mode()),
			})
		}
	}()

	router := mux.NewRouter()
	auth := middleware.NewIdentityMiddleware(cfg.Auth.JWTSecret)
	h := handler.NewCoordinatorHandler(coordSvc, validator.New(), log)
	h.RegisterRoutes(router, auth,
		domain.Address(cfg.Identity.TrustedRelay),
		domain.Address(cfg.Identity.Operator))
	router.HandleFunc("/ws/monitor", broadcaster.ServeWS)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("gateway listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	log.Info("gateway stopped", nil)
}

// buildStore picks the idempotency ledger backend: Redis when reachable,
// the Postgres consumed_ids table when a database is configured, and an
// in-memory store last (single-node development only).
func buildStore(cfg *config.Config, db *sqlx.DB, prefix string, log logger.Logger) idempotency.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err == nil {
		return idempotency.NewRedisStore(client, prefix)
	} else if db != nil {
		log.Warn("redis unavailable, using postgres idempotency ledger", map[string]interface{}{
			"prefix": prefix,
			"error":  err.Error(),
		})
		return idempotency.NewPostgresStore(db)
	} else {
		log.Warn("redis unavailable, using in-memory idempotency ledger", map[string]interface{}{
			"prefix": prefix,
			"error":  err.Error(),
		})
		return idempotency.NewMemoryStore()
	}
}
