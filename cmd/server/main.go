package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"wastesort-go/config"
	"wastesort-go/internal/api"
	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/cleanup"
	"wastesort-go/internal/core/processor"
	"wastesort-go/internal/db"
	"wastesort-go/internal/db/repository"
	"wastesort-go/internal/integrations/detector"
	"wastesort-go/internal/integrations/homeassistant"
	"wastesort-go/internal/integrations/mqtt"
	"wastesort-go/internal/integrations/opencv"
	"wastesort-go/internal/logger"
	"wastesort-go/internal/metrics"
	"wastesort-go/internal/server/sse"
	"wastesort-go/internal/services"
	"wastesort-go/internal/session"
	"wastesort-go/internal/util/timezone"

	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "/config/config.yaml"

// version is set at build time
var version = "dev"

func main() {
	configPath := defaultConfigPath
	if p := os.Getenv("WASTESORT_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	log.Infof("Starting wastesort-go %s", version)

	timezone.Initialize(cfg.Server.Timezone)
	startedAt := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Detection archive
	var repo repository.Repository
	if cfg.DB.Enabled {
		log.Info("Initializing database...")
		if err := db.Initialize(cfg); err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		repo = repository.NewSQLiteRepository(db.DB)
		log.Info("Database initialization complete.")
	} else {
		log.Info("Detection archive is disabled in config.")
	}

	translator, err := middleware.NewTranslator(middleware.I18nConfig{
		DefaultLanguage: cfg.I18n.DefaultLanguage,
	})
	if err != nil {
		log.Fatalf("Failed to load translations: %v", err)
	}

	controller := session.NewController(detector.NewClient(cfg.Detector), session.Options{
		HistoryCapacity: cfg.Session.HistoryCapacity,
		HealthTimeout:   cfg.Detector.HealthTimeout,
		DetectTimeout:   cfg.Detector.DetectTimeout,
	})

	workerPool := processor.NewWorkerPool(runtime.NumCPU(), 0)

	sseHub := sse.NewHub()
	go sseHub.Run()

	// Session event sinks
	notifier := services.NewNotifierService(workerPool)
	notifier.Add("sse", sseHub)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.RegisterGauge("sse_clients", "Connected SSE clients", func() float64 {
			return float64(sseHub.ClientCount())
		})
		m.RegisterGauge("worker_queue_length", "Jobs waiting in the background worker pool", func() float64 {
			return float64(workerPool.QueueLength())
		})
		notifier.Add("metrics", m)
	}

	if repo != nil {
		notifier.AddAsync("archive", services.NewArchiveService(repo, "dashboard"))
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT)
		publisher := mqtt.NewSessionPublisher(mqttClient, cfg.MQTT.TopicPrefix)
		notifier.AddAsync("mqtt", publisher)

		if cfg.MQTT.HomeAssistant {
			discovery := homeassistant.NewDiscoveryManager(mqttClient, cfg.MQTT.TopicPrefix, version)
			mqttClient.OnConnect(func() {
				if err := discovery.Register(); err != nil {
					log.Warnf("Home Assistant discovery failed: %v", err)
				}
			})
		}
		mqttClient.OnConnect(publisher.Republish)

		go func() {
			if err := mqttClient.Start(); err != nil {
				log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
			}
		}()
	} else {
		log.Info("MQTT is disabled in config.")
	}

	controller.Subscribe(notifier)

	camera := opencv.NewCamera(cfg.Camera)
	imageProcessor := processor.NewImageProcessor(camera, controller)

	cleanupService := cleanup.NewService(repo, cfg.Cleanup.RetentionDays, cfg.Cleanup.Interval)
	cleanupService.StartBackgroundCleanup()

	go runHealthChecks(ctx, controller, cfg.Detector.HealthInterval)

	server := api.NewServer(api.Dependencies{
		Config:     cfg,
		Controller: controller,
		Processor:  imageProcessor,
		Translator: translator,
		Hub:        sseHub,
		Repository: repo,
		WorkerPool: workerPool,
		Metrics:    m,
		StartedAt:  startedAt,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Errorf("Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closes the SSE streams so the server can drain
	sseHub.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown failed: %v", err)
	}

	cleanupService.StopBackgroundCleanup()

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Worker pool did not drain: %v", err)
	}
	if mqttClient != nil {
		mqttClient.Stop()
	}
	if err := camera.Close(); err != nil {
		log.Warnf("Failed to release camera: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Warnf("Failed to close database: %v", err)
	}

	log.Info("Server stopped.")
}

// runHealthChecks checks the detection service once and then every interval.
// An interval of 0 only runs the initial check.
func runHealthChecks(ctx context.Context, controller *session.Controller, interval time.Duration) {
	status, msg := controller.CheckHealth(ctx)
	log.Infof("Detection service status: %s %s", status, msg)

	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			controller.CheckHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}
