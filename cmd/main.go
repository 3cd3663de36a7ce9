package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lai/datagate/config"
	"github.com/lai/datagate/db"
	"github.com/lai/datagate/service"
)

func main() {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	positionsDoc, mappingsDoc, closeStore, err := openDocuments(ctx, cfg)
	if err != nil {
		slog.Error("store unavailable", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	snapshots, err := openSnapshots(ctx, cfg)
	if err != nil {
		slog.Error("snapshot store unavailable", "backend", cfg.Snapshot.Backend, "error", err)
		os.Exit(1)
	}

	seed, _ := cfg.SeedMappings()
	directory := service.NewDirectory(ctx, mappingsDoc, seed)
	cache := service.NewPositionCache(ctx, positionsDoc)
	slog.Info("state loaded", "mappings", len(directory.List()), "positions", cache.Len())

	// Event log, optionally mirrored to Kafka
	var publisher service.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = service.NewEventProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		slog.Info("mirroring events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	events := service.NewEventLog(filepath.Join(cfg.Data.Dir, "events"), publisher)

	var notifier service.Notifier
	if cfg.NotifierEnabled() {
		notifier = service.NewMailNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password,
			cfg.SMTP.Recipients, cfg.SMTP.Timeout)
	}

	pipeline := service.NewPipeline(cache, directory,
		service.NewNGPClient(cfg.NGP.URL, cfg.NGP.Timeout),
		service.PipelineConfig{
			FallbackUnit: cfg.FallbackUnit(),
			Defaults: service.PayloadDefaults{
				Fill:  cfg.Payload.FillDefaults,
				Value: cfg.Payload.DefaultValue,
			},
			Events:        events,
			Snapshots:     snapshots,
			Notifier:      notifier,
			NotifyTimeout: cfg.SMTP.SendTimeout,
		})

	// WebSocket hub
	hub := service.NewHub()
	cache.Subscribe(hub.OnPosition)

	weather := service.NewOpenWeatherClient(cfg.Weather.URL, cfg.Weather.APIKey, cfg.Weather.Timeout)
	server := &service.Server{
		Ingest:   service.NewIngestHandler(pipeline),
		Mappings: service.NewMappingHandler(directory),
		Query: service.NewQueryHandler(cache,
			service.NewEnricher(cache, weather),
			service.NewDiagnostics(cache, snapshots)),
		Hub:           hub,
		AdminToken:    cfg.Admin.Token,
		MaxConcurrent: cfg.Server.MaxConcurrent,
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		slog.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		hub.CloseAll()
		srv.Shutdown(shutdownCtx)
		pipeline.Wait()
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				slog.Error("kafka close failed", "error", err)
			}
		}
		cancel()
		close(done)
	}()

	slog.Info("datagate forwarder listening", "addr", cfg.Server.Addr, "ngp", cfg.NGP.URL)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("shutdown complete")
}

// openDocuments returns the last-position and directory documents for the
// configured backend, plus a function releasing its connections.
func openDocuments(ctx context.Context, cfg *config.Config) (db.Document, db.Document, func(), error) {
	const (
		positionsName = "last_pos"
		mappingsName  = "name_to_imei"
	)

	switch cfg.Store.Backend {
	case "memory":
		return db.NewMemoryDocument(nil), db.NewMemoryDocument(nil), func() {}, nil

	case "redis":
		rdb, err := db.NewRedisClient(ctx, db.RedisOpts{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  5 * time.Second,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return db.NewRedisDocument(rdb, cfg.Redis.Namespace, positionsName),
			db.NewRedisDocument(rdb, cfg.Redis.Namespace, mappingsName),
			func() { rdb.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database connection: %w", err)
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return db.NewPostgresDocument(pool, positionsName),
			db.NewPostgresDocument(pool, mappingsName),
			pool.Close, nil

	default:
		return db.NewFileDocument(filepath.Join(cfg.Data.Dir, positionsName+".json")),
			db.NewFileDocument(filepath.Join(cfg.Data.Dir, mappingsName+".json")),
			func() {}, nil
	}
}

func openSnapshots(ctx context.Context, cfg *config.Config) (db.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "none":
		return nil, nil
	case "minio":
		s, err := db.NewMinIOSnapshots(db.MinIOOpts{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseTLS:    cfg.MinIO.UseTLS,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.MinIO.Bucket, err)
		}
		return s, nil
	default:
		return db.NewFileSnapshots(filepath.Join(cfg.Data.Dir, "raw_by_asset")), nil
	}
}
