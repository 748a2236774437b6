package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triplens.org/internal/analysis"
	"triplens.org/internal/authrelay"
	"triplens.org/internal/bus"
	"triplens.org/internal/config"
	"triplens.org/internal/dispatch"
	"triplens.org/internal/httpapi"
	"triplens.org/internal/obs"
	"triplens.org/internal/store"
	"triplens.org/internal/store/pg"
	"triplens.org/internal/usage"
)

var version = "0.3.1"

func main() {
	cfg := config.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("TRIPLENS_COMMIT"))

	// Key-value state: Postgres when a DSN is configured, in-memory otherwise.
	var (
		kv      store.Store
		probeDB *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer pgStore.Close()
		kv = pgStore
		probeDB = pgStore.DB()
	} else {
		kv = store.NewInMemory()
	}

	broadcast := bus.New()
	accountant := usage.NewAccountant(kv, broadcast)

	var clientOpts []analysis.ClientOption
	if cfg.UpstreamTimeout > 0 {
		clientOpts = append(clientOpts, analysis.WithTimeout(cfg.UpstreamTimeout))
	}
	analyzer := analysis.NewClient(cfg.AnalysisBaseURL, clientOpts...)

	relay := authrelay.NewRelay(authrelay.NewHTTPProvider(cfg.ProviderBaseURL, nil))
	defer relay.Close()

	router := dispatch.NewRouter(kv, accountant, relay, analyzer, broadcast)

	api := httpapi.New(httpapi.ReadyProbe{DB: probeDB}, version, kv, router, accountant, broadcast,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting triplens-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
