package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quiltmesh/quilt/internal/document"
	"github.com/quiltmesh/quilt/internal/persistence"
	"github.com/quiltmesh/quilt/internal/pubsub"
)

func main() {
	cfg, err := loadConfig(getenv("QUILTD_CONFIG", ""))
	if err != nil {
		log.Fatalf("quiltd: %v", err)
	}

	var pers persistence.Persistence = persistence.NewMemoryStore()
	if cfg.PostgresURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := persistence.NewPostgresStore(ctx, cfg.PostgresURL)
		cancel()
		if err != nil {
			log.Fatalf("quiltd: %v", err)
		}
		defer store.Close()
		pers = store
		log.Printf("quiltd: documents persist to postgres")
	}

	opts := []document.Option{document.WithPersistence(pers)}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, document.WithIdleTimeout(time.Duration(cfg.IdleTimeout)))
	}
	if cfg.AwarenessTimeout > 0 {
		opts = append(opts, document.WithAwarenessTimeout(time.Duration(cfg.AwarenessTimeout)))
	}
	dir := document.NewDirectory(nil, opts...)

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		broker := pubsub.NewRedisBroker(client)
		if err := dir.JoinCluster(broker, cfg.RedisScope); err != nil {
			log.Fatalf("quiltd: %v", err)
		}
		log.Printf("quiltd: joined cluster scope %q as node %s", cfg.RedisScope, broker.NodeID())
	}

	srv := newServer(dir)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("quiltd listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	if err := dir.Close(); err != nil {
		log.Printf("quiltd: close: %v", err)
	}
	log.Println("quiltd stopped")
}
