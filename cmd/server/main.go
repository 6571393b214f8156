package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/sendpipe/internal/api"
	"github.com/ignite/sendpipe/internal/bootstrap"
	"github.com/ignite/sendpipe/internal/config"
	"github.com/ignite/sendpipe/migrations"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("addr %s is already in use: %v", addr, err)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config/config.yaml"), "path to YAML config")
	withWorkers := flag.Bool("with-workers", os.Getenv("RUN_WORKERS") == "true", "run the send workers in this process")
	autoMigrate := flag.Bool("migrate", os.Getenv("AUTO_MIGRATE") == "true", "apply database migrations on startup")
	flag.Parse()

	cfg, err := config.LoadFromEnv(optionalPath(*configPath))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.Driver == "postgres" {
		log.Printf("Database host: %s", extractHost(cfg.Database.URL))
		if *autoMigrate {
			if err := migrations.Up(cfg.Database.URL); err != nil {
				log.Fatalf("Migrations failed: %v", err)
			}
		}
	}

	app, err := bootstrap.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *withWorkers {
		app.StartBackground(ctx)
		log.Printf("Send workers started (%d workers)", cfg.Dispatcher.Workers)
	}

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("%v", err)
	}

	server := api.NewServer(app.Router(),
		time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
		time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second)

	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	cancel()
	if *withWorkers {
		app.StopBackground()
	}
	log.Println("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// optionalPath drops a config path that doesn't exist so env-only
// deployments need no file.
func optionalPath(p string) string {
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
