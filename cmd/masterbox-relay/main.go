// Masterbox Relay
//
// The relay runs on a masterbox and bridges three transports: the local MQTT
// bus, websocket peers on the local network, and the outbound cloud socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/masterbox-relay/internal/api"
	"github.com/nerrad567/masterbox-relay/internal/backend"
	"github.com/nerrad567/masterbox-relay/internal/cloudlink"
	"github.com/nerrad567/masterbox-relay/internal/identity"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/config"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/database"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/logging"
	"github.com/nerrad567/masterbox-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/masterbox-relay/internal/journal"
	"github.com/nerrad567/masterbox-relay/internal/metrics"
	"github.com/nerrad567/masterbox-relay/internal/relay"
	"github.com/nerrad567/masterbox-relay/internal/subscription"
	"github.com/nerrad567/masterbox-relay/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// errVersionRequested stops run after printing the version.
var errVersionRequested = errors.New("version requested")

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errVersionRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
}

// parseFlags reads the command line. The config path falls back to
// RELAY_CONFIG, then to the default.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("masterbox-relay", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (env RELAY_CONFIG)")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.configPath == "" {
		opts.configPath = os.Getenv("RELAY_CONFIG")
	}
	if opts.configPath == "" {
		opts.configPath = defaultConfigPath
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}
	if opts.showVersion {
		fmt.Printf("masterbox-relay %s (commit %s, built %s)\n", version, commit, date)
		return errVersionRequested
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting masterbox relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", opts.configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	macAddress, err := identity.MACAddress(cfg.Node.MACAddress)
	if err != nil {
		return fmt.Errorf("resolving MAC address: %w", err)
	}
	log.Info("masterbox identity", "mac_address", macAddress)

	// Prometheus collectors
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Link journal (optional)
	var (
		db          *database.DB
		linkJournal journal.Repository
	)
	if cfg.Database.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		schema, err := db.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		linkJournal = journal.NewSQLiteRepository(db.DB)
		log.Info("link journal ready", "path", db.Path(), "schema_version", schema)
	} else {
		log.Info("link journal disabled")
	}

	// InfluxDB (optional)
	var (
		relayRecorder relay.EventRecorder
		stateRecorder cloudlink.StateRecorder
	)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
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
		relayRecorder = influxClient
		stateRecorder = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Backend REST client and lifecycle reporter
	backendClient, err := backend.NewClient(cfg.Backend, log.With("component", "backend"))
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}
	reporter := backend.NewStatusReporter(backendClient, macAddress, log.With("component", "status"), m)
	defer reporter.Wait()

	// Relay core
	registry := subscription.NewRegistry()
	hub := api.NewHub(cfg.WebSocket, log.With("component", "hub"), m)
	cloud := &linkEmitter{}

	engine, err := relay.New(relay.Options{
		Registry:      registry,
		Hub:           hub,
		Cloud:         cloud,
		Logger:        log.With("component", "relay"),
		Metrics:       m,
		Recorder:      relayRecorder,
		QueueSize:     cfg.Relay.QueueSize,
		BatchInterval: cfg.Relay.GetCloudBatchInterval(),
	})
	if err != nil {
		return fmt.Errorf("creating relay engine: %w", err)
	}
	hub.SetHandler(engine)

	link, err := cloudlink.New(cloudlink.Options{
		Config:     cfg.Cloud,
		MACAddress: macAddress,
		Backend:    backendClient,
		Reporter:   reporter,
		Handler:    engine,
		Logger:     log.With("component", "cloudlink"),
		Metrics:    m,
		Journal:    linkJournal,
		Recorder:   stateRecorder,
	})
	if err != nil {
		return fmt.Errorf("creating cloud link: %w", err)
	}
	cloud.link = link

	// Long-running components stop when ctx is cancelled
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// Message bus
	mqttClient, err := connectBus(cfg.MQTT, engine, log)
	if err != nil {
		return stopOnError(g, err)
	}
	closeBus := func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}

	// HTTP surface
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.With("component", "api"),
		Hub:      hub,
		Relay:    engine,
		Link:     link,
		MQTT:     mqttClient,
		Journal:  linkJournal,
		DB:       db,
		Registry: registry,
		Gatherer: reg,
		Version:  version,
	})
	if err == nil {
		err = server.Start(ctx)
	}
	if err != nil {
		closeBus()
		return stopOnError(g, fmt.Errorf("starting API server: %w", err))
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Stop the inputs first so nothing reaches the engine while it drains:
	// API server, MQTT, then the hub, engine and link via the errgroup.
	// Deferred calls then wait for status reports and close InfluxDB and
	// the database.
	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	closeBus()

	if err := g.Wait(); err != nil {
		return fmt.Errorf("relay stopped: %w", err)
	}

	log.Info("masterbox relay stopped")
	return nil
}

// connectBus connects to the broker and feeds every consumed topic into the
// relay engine. paho restores the subscriptions after a reconnect.
func connectBus(cfg config.MQTTConfig, engine *relay.Engine, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	for _, topic := range (mqtt.Topics{}).Consumed() {
		if err := client.Subscribe(topic, client.QoS(), engine.HandleBusMessage); err != nil {
			//nolint:errcheck // Already failing; close is best-effort
			client.Close()
			return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	log.Info("MQTT connected", "topics", (mqtt.Topics{}).Consumed())
	return client, nil
}

// stopOnError cancels the supervised components and waits for them before
// returning err.
func stopOnError(g *errgroup.Group, err error) error {
	g.Go(func() error { return err })
	//nolint:errcheck // err is the interesting error
	g.Wait()
	return err
}

// linkEmitter forwards engine emissions to the cloud link. The engine and the
// link each need the other, so the link is attached after both exist and
// before either runs.
type linkEmitter struct {
	link *cloudlink.Link
}

func (e *linkEmitter) Emit(event string, data any) {
	e.link.Emit(event, data)
}
