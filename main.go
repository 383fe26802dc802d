// Package main is the entry point for the portfolio tracker service.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

var (
	// version can be set at build time via -ldflags
	version = "dev"
)

func main() {
	// Get command from args, default to "serve" (api + worker)
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve", "all":
		startBoth()
	case "api":
		runAPIServer()
	case "worker":
		runWorker()
	case "version":
		log.Printf("Portfolio Tracker version %s\n", version)
		os.Exit(0)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		log.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// startBoth runs the HTTP API and the background worker pool in one process.
func startBoth() {
	log.Printf("Portfolio Tracker v%s - Starting API server and worker pool\n", version)

	apiStop, err := runAPIServerWithStop()
	if err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	workerStop, err := runWorkerWithStop()
	if err != nil {
		apiStop()
		log.Fatalf("Failed to start worker: %v", err)
	}

	log.Println("Both services started successfully")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	log.Printf("Received signal %v, shutting down both services...", sig)

	workerStop()
	apiStop()

	log.Println("All services stopped successfully")
}

func printUsage() {
	log.Println("Portfolio Tracker - Multi-command CLI")
	log.Println()
	log.Println("Usage:")
	log.Println("  tracker [command]")
	log.Println()
	log.Println("Commands:")
	log.Println("  serve      Start both HTTP API server and refresh worker (default)")
	log.Println("  api        Start the HTTP API server only")
	log.Println("  worker     Start the background refresh worker only")
	log.Println("  version    Print version information")
	log.Println("  help       Show this help message")
	log.Println()
	log.Println("Environment Variables:")
	log.Println("  Database:")
	log.Println("    POSTGRES_TRACKER_HOST      - PostgreSQL host (default: localhost)")
	log.Println("    POSTGRES_TRACKER_PORT      - PostgreSQL port (default: 5432)")
	log.Println("    POSTGRES_TRACKER_USER      - PostgreSQL user (default: postgres)")
	log.Println("    POSTGRES_TRACKER_PASSWORD  - PostgreSQL password")
	log.Println("    POSTGRES_TRACKER_DB        - PostgreSQL database (default: tracker)")
	log.Println()
	log.Println("  API Server:")
	log.Println("    TRACKER_PORT               - HTTP port (default: 8090)")
	log.Println("    APP_DEBUG                  - Debug mode: true|false (default: false)")
	log.Println()
	log.Println("  Refresh Worker:")
	log.Println("    REDIS_ADDR                 - Redis address (default: localhost:6379)")
	log.Println("    REDIS_PASSWORD             - Redis password (optional)")
	log.Println("    ELASTICSEARCH_URL          - Elasticsearch URL (optional, disables report indexing when empty)")
	log.Println("    REFRESH_WORKER_COUNT       - Worker goroutines (default: 4)")
	log.Println("    MARKET_API_KEY             - Default upstream provider API key")
	log.Println()
	log.Println("  TRACKER_CONFIG               - Config file path (default: config.yml)")
}
