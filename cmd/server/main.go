package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"gatewatch/config"
	"gatewatch/internal/api"
	"gatewatch/internal/cleanup"
	"gatewatch/internal/db"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/detection"
	"gatewatch/internal/escalation"
	"gatewatch/internal/imaging"
	"gatewatch/internal/logger"
	"gatewatch/internal/mqtt"
	"gatewatch/internal/sse"
	"gatewatch/internal/stream"
	"gatewatch/internal/tracking"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "/config/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	log.Info("Initializing database...")
	if err := db.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	repo := repository.NewSQLiteRepository(db.DB)

	store, err := imaging.NewStore(cfg.Server.SnapshotDir, cfg.Server.SnapshotURL)
	if err != nil {
		log.Fatalf("Failed to initialize snapshot store: %v", err)
	}

	hub := sse.NewHub()
	go hub.Run()

	publisher := mqtt.NewPublisher(&cfg.MQTT)
	if err := publisher.Connect(); err != nil {
		log.Warnf("MQTT unavailable, continuing without event publishing: %v", err)
	}
	defer publisher.Disconnect()

	engine := escalation.NewEngine(&cfg.Escalation, repo, store)

	detector := detection.NewUniformDetector(&cfg.Detection)
	defer detector.Close()

	trackers := tracking.NewRegistry(tracking.Config{
		MaxAge:      cfg.Tracking.MaxAge,
		ConfirmHits: cfg.Tracking.ConfirmHits,
		IoUFloor:    cfg.Tracking.IoUFloor,
		MaxCosine:   cfg.Tracking.MaxCosine,
	}, cfg.Tracking.Enabled)

	streams := stream.NewRegistry(cfg, repo, detector, trackers, engine, hub, publisher)
	defer streams.StopAll()

	cleanupService := cleanup.NewService(&cfg.Cleanup, &cfg.Escalation, repo, store)
	cleanupService.Start()
	defer cleanupService.Stop()

	// A restart leaves stale streaming flags behind; sessions do not survive
	// the process.
	if cameras, err := repo.GetStreamingCameras(); err == nil {
		for _, camera := range cameras {
			if err := repo.SetCameraStreaming(camera.ID, false, ""); err != nil {
				log.WithError(err).Warnf("Failed to clear stale streaming flag for camera %d", camera.ID)
			}
		}
	}

	server := api.NewServer(cfg, repo, streams, engine, hub, store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-quit:
		log.Infof("Received signal %s, shutting down", sig)
	}
}
