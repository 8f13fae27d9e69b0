package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/marchog-core/internal/api"
	"github.com/nerrad567/marchog-core/internal/audit"
	"github.com/nerrad567/marchog-core/internal/core"
	"github.com/nerrad567/marchog-core/internal/definitions"
	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
	"github.com/nerrad567/marchog-core/internal/infrastructure/database"
	"github.com/nerrad567/marchog-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/marchog-core/internal/infrastructure/logging"
	"github.com/nerrad567/marchog-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/marchog-core/internal/scene"
	"github.com/nerrad567/marchog-core/internal/session"
	"github.com/nerrad567/marchog-core/migrations"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane until SIGINT or SIGTERM.

SIGHUP reloads scene and automation definitions; a bad file is logged and
the previous definitions stay in force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, configPath)
	},
}

// run is the actual application logic, separated from the command for
// testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - path: Configuration file path
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, path string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Marchog Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	deps := core.Deps{
		Config: cfg,
		Logger: log.Component("core"),
		Definitions: func() (*definitions.Definitions, error) {
			return definitions.Load(cfg.Definitions.Path, cfg.MQTT.Topics.Root)
		},
		SessionStore: session.NewSQLiteStore(db.DB),
		SceneStore:   scene.NewSQLiteStore(db.DB),
	}

	// The broker connects in the background; an unreachable broker never
	// blocks startup and devices on WebSocket sessions keep working.
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = startMQTT(cfg, log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		deps.Broker = mqttClient
		deps.Bus = mqttClient
		deps.NodeID = mqttClient.ClientID()
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		deps.Metrics = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	c, err := core.New(deps)
	if err != nil {
		return fmt.Errorf("building core: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("starting core: %w", err)
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log.Component("api"),
		Core:     c,
		Version:  version,
		Audit:    audit.NewSQLiteRepository(db.DB),
	})
	if err != nil {
		return fmt.Errorf("building API server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	err = c.Run(ctx, server.Run, reloadOnHangup(c, log))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Deferred Close() calls will run in reverse order:
	// 1. InfluxDB (if enabled)
	// 2. MQTT (if enabled)
	// 3. Database
	log.Info("Marchog Core stopped")
	return nil
}

// startMQTT builds the broker client and starts its background connect.
func startMQTT(cfg *config.Config, log *logging.Logger) *mqtt.Client {
	client := mqtt.New(cfg.MQTT)
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", client.ClientID(),
		)
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	client.Start()
	return client
}

// reloadOnHangup returns a service that reloads definitions on SIGHUP.
func reloadOnHangup(c *core.Core, log *logging.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := c.Reload(ctx); err != nil {
					log.Error("reload failed, keeping previous definitions", "error", err)
					continue
				}
				log.Info("definitions reloaded",
					"scenes", len(c.Scenes()),
					"automations", len(c.Automations()),
				)
			}
		}
	}
}

// healthCheck verifies the infrastructure connections startup depends on.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
