package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rpattn/engraph/internal/api"
	"github.com/rpattn/engraph/internal/config"
	"github.com/rpattn/engraph/internal/datastore"
	"github.com/rpattn/engraph/internal/db"
	"github.com/rpattn/engraph/internal/events"
	"github.com/rpattn/engraph/internal/export"
	"github.com/rpattn/engraph/internal/graphservice"
	"github.com/rpattn/engraph/internal/ingestion"
	"github.com/rpattn/engraph/internal/middleware"
	"github.com/rpattn/engraph/internal/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	conn, err := db.NewConnection(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	if err := db.RunMigrations(conn.Pool); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	clock := repository.NewVersionClock()
	keys := repository.NewEntityKeyRepository(conn.Pool)
	props := repository.NewPropertyRepository(conn.Pool, clock)
	graph := repository.NewEdgeRepository(conn.Pool)
	schema := repository.NewSchemaRepository(conn.Pool)

	// Event fan-out
	bus := events.NewBus()
	bus.Subscribe(events.LoggingSubscriber{})

	// Services
	data := datastore.NewService(props, keys, bus)
	graphSvc := graphservice.NewService(data, keys, graph, schema, graphservice.CacheConfig{
		EntityTypeIDSize: cfg.Cache.EntityTypeIDSize,
		EntityTypeIDTTL:  cfg.Cache.EntityTypeIDTTL,
		TopUtilizersSize: cfg.Cache.TopUtilizersSize,
		TopUtilizersTTL:  cfg.Cache.TopUtilizersTTL,
	})
	exporter := export.NewExporter(data, keys)
	importer := ingestion.NewImporter(graphSvc)

	handler := api.NewHandler(data, graphSvc, exporter, importer, schema)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	apiHandler := middleware.LoggingMiddleware(
		middleware.HydratorMiddleware(data)(handler.Routes()),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", corsHandler.Handler(apiHandler))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
