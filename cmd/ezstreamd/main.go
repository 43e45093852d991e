package main

import (
	"context"
	"io/fs"
	"sort"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/truongvando/ezstream-sub006/internal/agent"
	"github.com/truongvando/ezstream-sub006/internal/allocator"
	svcconfig "github.com/truongvando/ezstream-sub006/internal/config"
	"github.com/truongvando/ezstream-sub006/internal/dispatch"
	"github.com/truongvando/ezstream-sub006/internal/handlers"
	"github.com/truongvando/ezstream-sub006/internal/lifecycle"
	"github.com/truongvando/ezstream-sub006/internal/notify"
	"github.com/truongvando/ezstream-sub006/internal/playlist"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/internal/watchdog"
	pkgconfig "github.com/truongvando/ezstream-sub006/pkg/config"
	"github.com/truongvando/ezstream-sub006/pkg/database"
	dbsql "github.com/truongvando/ezstream-sub006/pkg/database/sql"
	"github.com/truongvando/ezstream-sub006/pkg/kafka"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
	"github.com/truongvando/ezstream-sub006/pkg/monitoring"
	pkgredis "github.com/truongvando/ezstream-sub006/pkg/redis"
	"github.com/truongvando/ezstream-sub006/pkg/server"
	"github.com/truongvando/ezstream-sub006/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("ezstreamd")

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	logger.Info("Starting ezstreamd (stream orchestrator)")

	cfg := svcconfig.Load()

	// Connect to database and apply the embedded schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := applySchema(db); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	st := store.NewPostgresStore(db, logger)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("ezstreamd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("ezstreamd", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"JWT_SECRET":   cfg.JWTSecret,
	}))

	// Command queue: Redis-backed when configured, in-process otherwise
	var queue dispatch.Queue
	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		var err error
		redisClient, err = pkgredis.NewClientFromURL(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
		queue = dispatch.NewRedisQueue(redisClient, "")
		logger.Info("Using Redis command queue")
	} else {
		queue = dispatch.NewMemoryQueue(0)
		logger.Info("Using in-process command queue")
	}

	// Notification sinks
	notifier := buildNotifier(cfg, redisClient, healthChecker, logger)
	defer notifier.Close()

	// Agent client with retries and a circuit breaker per the default policy
	agentClient := agent.NewClient()

	alloc := allocator.New(st, logger)

	dispatcher := dispatch.New(queue, st, alloc, agentClient, notifier, logger, dispatch.Config{
		Workers:    cfg.DispatchWorkers,
		MaxRetries: cfg.DispatchMaxRetries,
		RetryDelay: cfg.DispatchBaseDelay,
		Operations: metricsCollector.NewCounter("dispatch_operations_total", "Dispatched command outcomes", []string{"command", "outcome"}),
	})

	machine := lifecycle.NewMachine(st, dispatcher, logger, cfg.DeleteStopWait)
	dispatcher.SetCallbacks(machine)

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)

	// Watchdog jobs: reclaim stuck transient streams, fire schedule windows
	reclaimJob := watchdog.NewReclaimJob(watchdog.ReclaimConfig{
		Store:    st,
		Notifier: notifier,
		Logger:   logger,
		Interval: cfg.WatchdogInterval,
		Grace:    cfg.WatchdogGrace,
		Corrections: metricsCollector.
			NewCounter("watchdog_corrections_total", "Streams forced back to inactive", nil).
			WithLabelValues(),
	})
	reclaimJob.Start()

	scheduleJob := watchdog.NewScheduleJob(watchdog.ScheduleConfig{
		Store:   st,
		Machine: machine,
		Logger:  logger,
	})
	scheduleJob.Start()

	// Ensure-register a static fleet when one is configured
	if cfg.FleetBootstrapFile != "" {
		if err := bootstrapFleet(context.Background(), st, cfg.FleetBootstrapFile, logger); err != nil {
			logger.WithError(err).Fatal("Fleet bootstrap failed")
		}
	}

	playlistSvc := playlist.NewService(st, agentClient, logger)

	app := server.SetupRouter(logger, healthChecker, metricsCollector)
	h := handlers.New(machine, playlistSvc, st, logger)
	h.SetMetrics(&handlers.Metrics{
		StreamOperations: metricsCollector.NewCounter("stream_operations_total", "Stream lifecycle operations", []string{"operation", "status"}),
	})
	h.RegisterRoutes(app, []byte(cfg.JWTSecret), cfg.ServiceToken)

	serverConfig := server.DefaultConfig("ezstreamd", "18040")
	if err := server.Start(serverConfig, app, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	scheduleJob.Stop()
	reclaimJob.Stop()
	dispatcher.Stop()
	cancelDispatch()
	if err := queue.Close(); err != nil {
		logger.WithError(err).Warn("Command queue close failed")
	}
}

// applySchema executes the embedded schema files in lexical order. Statements
// are written to be idempotent so re-running at startup is safe.
func applySchema(db database.PostgresConn) error {
	entries, err := fs.ReadDir(dbsql.Content, "schema")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := fs.ReadFile(dbsql.Content, "schema/"+name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(raw)); err != nil {
			return err
		}
	}
	return nil
}

func buildNotifier(cfg svcconfig.Config, redisClient *goredis.Client, healthChecker *monitoring.HealthChecker, logger logging.Logger) notify.Notifier {
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}

	if redisClient != nil {
		channel := pkgconfig.GetEnv("REDIS_EVENTS_CHANNEL", "ezstream:events")
		sinks = append(sinks, notify.NewRedisNotifier(redisClient, channel, logger))
		logger.WithField("channel", channel).Info("Redis event broadcast configured")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "ezstreamd", logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kafka producer, stream events limited to logs")
		} else {
			topic := pkgconfig.GetEnv("KAFKA_EVENTS_TOPIC", "ezstream.events")
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
			sinks = append(sinks, notify.NewKafkaNotifier(producer, topic, logger))
			logger.WithField("topic", topic).Info("Kafka notifier configured")
		}
	}

	return notify.NewMultiNotifier(sinks...)
}

// bootstrapFleet registers workers from a static fleet file that are not yet
// known, matching on worker name. Existing workers are left untouched so
// runtime capacity accounting survives restarts.
func bootstrapFleet(ctx context.Context, st store.Store, path string, logger logging.Logger) error {
	fleet, err := svcconfig.LoadFleetBootstrap(path)
	if err != nil {
		return err
	}

	existing, err := st.ListWorkers(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]struct{}, len(existing))
	for _, w := range existing {
		byName[w.Name] = struct{}{}
	}

	registered := 0
	for _, fw := range fleet.Workers {
		if _, ok := byName[fw.Name]; ok {
			continue
		}
		active := true
		if fw.Active != nil {
			active = *fw.Active
		}
		worker := &models.WorkerNode{
			ID:         uuid.New().String(),
			Name:       fw.Name,
			Address:    fw.Address,
			AgentToken: fw.AgentToken,
			IsActive:   active,
			Status:     models.WorkerActive,
			MaxStreams: fw.MaxStreams,
		}
		if err := st.RegisterWorker(ctx, worker); err != nil {
			return err
		}
		registered++
	}

	logger.WithFields(logging.Fields{
		"defined":    len(fleet.Workers),
		"registered": registered,
	}).Info("Fleet bootstrap complete")
	return nil
}
