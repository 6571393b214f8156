package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/sendpipe/internal/bootstrap"
	"github.com/ignite/sendpipe/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	log.Println("Starting send worker...")

	path := *configPath
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			log.Fatalf("Config file %s: %v", path, err)
		}
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	app, err := bootstrap.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.StartBackground(ctx)
	log.Printf("Send worker running (%d workers, queue=%s)", cfg.Dispatcher.Workers, cfg.Queue.Backend)

	// Heartbeat with dispatcher counters.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := app.Dispatcher.Stats(ctx)
				log.Printf("Worker heartbeat - sent=%d failed=%d skipped=%d retried=%d dead=%d",
					st.Sent, st.Failed, st.Skipped, st.Retried, st.DeadLettered)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	app.StopBackground()
	log.Println("Worker stopped")
}
