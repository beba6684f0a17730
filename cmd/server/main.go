package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"person-detect-go/config"
	"person-detect-go/internal/api"
	"person-detect-go/internal/api/handlers"
	"person-detect-go/internal/cleanup"
	"person-detect-go/internal/core/formatter"
	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/core/processor"
	"person-detect-go/internal/core/viewmodel"
	"person-detect-go/internal/db"
	"person-detect-go/internal/db/repository"
	"person-detect-go/internal/integrations/frigate"
	"person-detect-go/internal/integrations/homeassistant"
	"person-detect-go/internal/integrations/labels"
	"person-detect-go/internal/integrations/mqtt"
	"person-detect-go/internal/integrations/onnx"
	"person-detect-go/internal/integrations/opencv"
	"person-detect-go/internal/logger"
	"person-detect-go/internal/server/sse"
	"person-detect-go/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "/config/config.yaml"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logFile, err := logger.Init(cfg.Log)
	if err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	defer logFile.Close()

	timezone.Initialize(cfg.Server.Timezone)

	log.Info("Initializing database...")
	database, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close(database)
	repo := repository.NewSQLiteRepository(database)

	// no model, no service
	model, err := loadModel(cfg.Detector)
	if err != nil {
		log.Fatalf("Failed to load detection model: %v", err)
	}
	pred, err := predictor.New(model, cfg.Detector.Workers)
	if err != nil {
		log.Fatalf("Failed to create predictor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := sse.NewHub()
	go hub.Run(ctx)

	f := formatter.New(cfg.Detector.TargetLabel)
	display := viewmodel.New(pred, f)
	display.OnChange(hub.BroadcastDisplay)

	opts := processor.Options{
		SnapshotDir: cfg.Server.SnapshotDir,
		SnapshotURL: cfg.Server.SnapshotURL,
		Broadcaster: hub,
	}

	var mqttClient *mqtt.Client
	var mqttState handlers.ConnectionState
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT)
		opts.Publisher = mqttClient
		mqttState = mqttClient
	} else {
		log.Info("MQTT is disabled in config")
	}

	imageProcessor := processor.NewImageProcessor(repo, pred, f, opts)

	if mqttClient != nil {
		mqttClient.RegisterHandler(imageProcessor)
		if cfg.Frigate.Enabled {
			mqttClient.Subscribe(cfg.Frigate.EventTopic, frigate.NewClient(cfg.Frigate, imageProcessor))
		}
		if cfg.MQTT.HomeAssistant.Discovery {
			discovery := homeassistant.NewDiscoveryManager(mqttClient, cfg.MQTT)
			mqttClient.OnConnect(func() {
				if err := discovery.Publish(); err != nil {
					log.Warnf("Home Assistant discovery failed: %v", err)
				}
			})
		}
		if err := mqttClient.Start(); err != nil {
			log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
		}
	}

	cleanupService := cleanup.NewService(repo, imageProcessor, cfg.Cleanup.RetentionDays, 24*time.Hour)
	cleanupService.Start()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Server, api.Handlers{
		API:     handlers.NewAPIHandler(repo, imageProcessor, hub, pred, mqttState),
		Display: handlers.NewDisplayHandler(ctx, display),
		Events:  handlers.NewEventHandler(hub),
		Webhook: handlers.NewWebhookHandler(imageProcessor),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown failed: %v", err)
	}

	cleanupService.Stop()
	if mqttClient != nil {
		mqttClient.Stop()
	}
	if err := pred.Close(); err != nil {
		log.Errorf("Failed to close predictor: %v", err)
	}

	log.Info("Server stopped")
}

// loadModel creates the configured detection backend.
func loadModel(cfg config.DetectorConfig) (predictor.Model, error) {
	switch cfg.Backend {
	case config.BackendONNX:
		names, err := labels.LoadOr(cfg.LabelsPath, labels.COCO())
		if err != nil {
			return nil, err
		}
		return onnx.NewDetector(cfg, names)
	case config.BackendOpenCV:
		names, err := labels.LoadOr(cfg.LabelsPath, labels.COCOPaper())
		if err != nil {
			return nil, err
		}
		return opencv.NewDetector(cfg, names)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}
