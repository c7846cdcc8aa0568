// SmartLock Core - Device Trust and Secure Update Service
//
// This is the main entry point for the SmartLock Core application.
// SmartLock Core is the fleet backend for smart lock deployments:
//   - Certificate authority and device provisioning
//   - Session-verified remote unlock
//   - Signed over-the-air firmware distribution
//   - Failed-attempt security alerting
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/smartlock-io/smartlock-core/migrations"

	"github.com/smartlock-io/smartlock-core/internal/accesslog"
	"github.com/smartlock-io/smartlock-core/internal/alert"
	"github.com/smartlock-io/smartlock-core/internal/api"
	"github.com/smartlock-io/smartlock-core/internal/ca"
	"github.com/smartlock-io/smartlock-core/internal/device"
	"github.com/smartlock-io/smartlock-core/internal/firmware"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/config"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/database"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/logging"
	"github.com/smartlock-io/smartlock-core/internal/infrastructure/mqtt"
	"github.com/smartlock-io/smartlock-core/internal/notify"
	"github.com/smartlock-io/smartlock-core/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting SmartLock Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise the certificate authority. Generates the root key pair on
	// first run, loads it afterwards.
	caManager := ca.NewManager(cfg.CA, log)
	if initErr := caManager.Initialise(); initErr != nil {
		return fmt.Errorf("initialising certificate authority: %w", initErr)
	}
	log.Info("certificate authority ready", "keys_dir", cfg.CA.KeysDir)

	// Load or generate the firmware signing key (distinct from the CA key).
	signer, err := firmware.NewSigner(cfg.OTA.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("loading firmware signing key: %w", err)
	}
	log.Info("firmware signing key ready", "path", cfg.OTA.SigningKeyFile)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Repositories
	deviceRepo := device.NewSQLiteRepository(db.DB)
	firmwareRepo := firmware.NewSQLiteRepository(db.DB)
	notifyRepo := notify.NewSQLiteRepository(db.DB)
	accessRepo := accesslog.NewSQLiteRepository(db.DB)

	// Session tracking and verification
	sessions := session.NewStore(0)
	verifier := session.NewVerifier(deviceRepo, sessions, log)

	// Domain services
	qos := byte(cfg.MQTT.QoS)
	deviceSvc := device.NewService(device.Deps{
		Repo:      deviceRepo,
		CA:        caManager,
		Publisher: mqttClient,
		Logger:    log,
		QoS:       qos,
	})
	statusTracker := device.NewStatusTracker(deviceRepo, sessions, log)
	firmwareSvc := firmware.NewService(firmware.Deps{
		Repo:          firmwareRepo,
		Devices:       deviceRepo,
		Signer:        signer,
		Publisher:     mqttClient,
		Notifications: notifyRepo,
		Logger:        log,
		Config:        cfg.OTA,
	})
	detector := alert.NewDetector(cfg.Alerts, accessRepo, notifyRepo, log)

	// Wire MQTT subscriptions
	if err := subscribeHandlers(ctx, mqttClient, qos, statusTracker, firmwareSvc, detector, deviceSvc, deviceRepo, log); err != nil {
		return fmt.Errorf("subscribing to device topics: %w", err)
	}
	log.Info("MQTT subscriptions established")

	// Start the API server
	apiServer, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log,
		CA:            caManager,
		Devices:       deviceSvc,
		DeviceRepo:    deviceRepo,
		StatusTracker: statusTracker,
		Verifier:      verifier,
		Firmware:      firmwareSvc,
		Alerts:        detector,
		Notifications: notifyRepo,
		AccessLog:     accessRepo,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Background maintenance loops
	go sessions.Run(ctx, time.Minute)
	go detector.Run(ctx)
	go firmwareSvc.RunReaper(ctx)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server
	// 2. MQTT
	// 3. Database

	log.Info("SmartLock Core stopped")
	return nil
}

// subscribeHandlers wires the device-facing MQTT topics to their handlers.
//
// Parameters:
//   - ctx: Context passed through to handlers
//   - client: Connected MQTT client
//   - qos: QoS level for subscriptions
//   - statusTracker: Presence handler
//   - firmwareSvc: Rollout progress handler
//   - detector: Access attempt handler
//   - deviceSvc: Provisioning credential publisher
//   - deviceRepo: Device lookups for provision requests
//   - log: Logger instance
//
// Returns:
//   - error: First subscription failure, or nil
func subscribeHandlers(
	ctx context.Context,
	client *mqtt.Client,
	qos byte,
	statusTracker *device.StatusTracker,
	firmwareSvc *firmware.Service,
	detector *alert.Detector,
	deviceSvc *device.Service,
	deviceRepo device.Repository,
	log *logging.Logger,
) error {
	topics := mqtt.Topics{}

	// Online/offline presence reports
	if err := client.Subscribe(topics.AllDeviceStatus(), qos, func(topic string, payload []byte) error {
		return statusTracker.HandleStatus(ctx, topic, payload)
	}); err != nil {
		return err
	}

	// OTA rollout progress reports
	if err := client.Subscribe(topics.AllOTAProgress(), qos, func(topic string, payload []byte) error {
		return firmwareSvc.HandleProgress(ctx, topic, payload)
	}); err != nil {
		return err
	}

	// Access attempt reports feed the access log and the alert detector
	if err := client.Subscribe(topics.AllDeviceAccess(), qos, func(topic string, payload []byte) error {
		return detector.HandleAccess(ctx, topic, payload)
	}); err != nil {
		return err
	}

	// Provision requests republish credentials for known pending devices.
	// Registration itself is an operator action; unknown devices cannot
	// enrol themselves by asking.
	return client.Subscribe(topics.AllProvisionRequests(), qos, func(topic string, payload []byte) error {
		deviceID := mqtt.DeviceIDFromTopic(topic)
		if deviceID == "" {
			return nil
		}

		dev, err := deviceRepo.GetByDeviceID(ctx, deviceID)
		if err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				log.Warn("provision request from unregistered device", "device_id", deviceID)
				return nil
			}
			return err
		}
		if dev.Status != device.StatusPending {
			log.Warn("provision request from non-pending device",
				"device_id", deviceID,
				"status", dev.Status)
			return nil
		}

		// Idempotent: re-arms the token if expired, republishes otherwise.
		if _, err := deviceSvc.RegisterDevice(ctx, device.Registration{DeviceID: deviceID, Name: dev.Name}); err != nil {
			log.Error("failed to republish provisioning credentials",
				"device_id", deviceID,
				"error", err)
		}
		return nil
	})
}

// getConfigPath returns the configuration file path.
// Uses SMARTLOCK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SMARTLOCK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - apiServer: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}
