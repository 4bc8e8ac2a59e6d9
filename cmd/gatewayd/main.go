// Package main is the entry point for the LLM gateway daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaygrid/llmgateway/internal/audit"
	"github.com/relaygrid/llmgateway/internal/config"
	"github.com/relaygrid/llmgateway/internal/dispatcher"
	"github.com/relaygrid/llmgateway/internal/gatewayapi"
	"github.com/relaygrid/llmgateway/internal/registry"
	"github.com/relaygrid/llmgateway/pkg/logger"
	"github.com/relaygrid/llmgateway/pkg/metrics"
)

const (
	defaultPort    = "8000"
	serviceName    = "llmgateway"
	serviceVersion = "1.0.0"
	shutdownGrace  = 5 * time.Second
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		showHelp    = flag.Bool("help", false, "Show help information")
		configPath  = flag.String("config", "gateway.yaml", "Path to the backend routing config file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}
	if *showHelp {
		fmt.Printf("llmgateway - weighted-routing, failover OpenAI-compatible gateway\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		fmt.Printf("  -config     Path to the backend routing config file (default: gateway.yaml)\n")
		fmt.Printf("  -version    Show version information\n")
		fmt.Printf("  -help       Show this help message\n\n")
		fmt.Printf("Environment variables:\n")
		fmt.Printf("  RECD_PATH   Base path of the audit database file\n")
		fmt.Printf("  PORT        HTTP server port (default: %s)\n", defaultPort)
		fmt.Printf("  LOG_LEVEL   error|warn|info|debug (default: info)\n")
		os.Exit(0)
	}

	log := logger.NewLogger(logger.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: "json",
		Output: "stdout",
	})
	slog.SetDefault(log)

	log.Info("starting gateway", "service", serviceName, "version", serviceVersion)

	store, err := config.NewStore(*configPath, log)
	if err != nil {
		log.Error("bad config at startup", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if err := store.Watch(); err != nil {
		log.Error("failed to start config watcher", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := registry.NewRegistry(log)
	dispatch := dispatcher.New(store, reg, log)

	recdPath := os.Getenv("RECD_PATH")
	if recdPath == "" {
		recdPath = "."
	}
	auditSink, err := audit.NewSink(recdPath, log)
	if err != nil {
		log.Error("failed to open audit sink", "error", err, "path", recdPath)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := auditSink.Close(ctx); err != nil {
			log.Warn("audit sink close did not complete cleanly", "error", err)
		}
	}()

	handlers := gatewayapi.New(dispatch, auditSink, store, log)
	router := gatewayapi.NewRouter(handlers, gatewayapi.DefaultRouterConfig(log))
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	listenErr := make(chan error, 1)
	go func() {
		log.Info("http server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		log.Error("http server failed to bind", "error", err)
		os.Exit(2)
	case <-quit:
		log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}
