package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noFAYZ/sync-tracker/internal/api"
	"github.com/noFAYZ/sync-tracker/internal/cache"
	"github.com/noFAYZ/sync-tracker/internal/connection"
	"github.com/noFAYZ/sync-tracker/internal/database"
	"github.com/noFAYZ/sync-tracker/internal/messaging"
	"github.com/noFAYZ/sync-tracker/internal/resume"
	"github.com/noFAYZ/sync-tracker/internal/store"
	"github.com/noFAYZ/sync-tracker/internal/timer"
	"github.com/noFAYZ/sync-tracker/internal/tracker"
	"github.com/noFAYZ/sync-tracker/internal/websocket"
	"github.com/noFAYZ/sync-tracker/pkg/config"
	"github.com/noFAYZ/sync-tracker/pkg/models"
	"github.com/sirupsen/logrus"
)

// App represents the main application
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  timer.Service
	timers *timer.Group

	// Core components
	tracker   *tracker.Tracker
	managers  map[models.Domain]*connection.Manager
	hub       *websocket.Hub
	apiServer *api.Server
	history   *database.HistoryRecorder
	snapshots tracker.SnapshotStore

	// Backing services
	influxDB   *database.InfluxClient
	mysqlDB    *database.MySQLClient
	redisCache *cache.RedisClient
	boltStore  *store.BoltStore
	natsClient *messaging.NATSClient

	unsubscribe []func()
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	clock := timer.NewReal()

	return &App{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		clock:    clock,
		timers:   timer.NewGroup(clock),
		managers: make(map[models.Domain]*connection.Manager),
	}
}

// Initialize initializes all application components
func (a *App) Initialize() error {
	// Initialize messaging
	if err := a.initializeMessaging(); err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}

	// Initialize tracker (resume RPC needs messaging)
	if err := a.initializeTracker(); err != nil {
		return fmt.Errorf("failed to initialize tracker: %w", err)
	}

	// Snapshot restore must finish before any listener is attached
	if err := a.initializeSnapshots(); err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	// Initialize history, metrics and broadcast sinks
	if err := a.initializeDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize push subscriptions
	if err := a.initializeConnections(); err != nil {
		return fmt.Errorf("failed to initialize connections: %w", err)
	}

	// Initialize WebSocket hub and API server
	a.initializeWebSocket()
	a.initializeAPIServer()

	a.logger.WithField("domains", a.tracker.Domains()).Info("Application initialized")
	return nil
}

// Start starts the application
func (a *App) Start() error {
	// Start WebSocket hub
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Run(a.ctx)
	}()

	// Start history writer
	if a.history != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.history.Run(a.ctx)
		}()
	}

	// Schedule snapshot and metrics writes
	if a.snapshots != nil {
		a.timers.Every(a.cfg.Tracker.PersistInterval, a.persist)
	}
	if a.influxDB != nil {
		a.timers.Every(a.cfg.InfluxDB.Interval, a.writeMetrics)
	}

	// Open one subscription per channel
	for domain, mgr := range a.leaders() {
		if err := mgr.Connect(a.ctx); err != nil {
			a.logger.WithError(err).WithField("domain", domain).Warn("Initial connect failed")
		}
	}

	// Start API server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil {
			a.logger.WithError(err).Error("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping application...")

	// Cancel context to signal shutdown
	a.cancel()
	a.timers.Cancel()

	// Close subscriptions and detach listeners
	for _, mgr := range a.leaders() {
		mgr.Stop()
	}
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}

	// The API server goroutine only returns after Shutdown
	if a.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error stopping API server")
		}
		cancel()
	}

	// Wait for goroutines with timeout (3 seconds)
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All goroutines stopped")
	case <-time.After(3 * time.Second):
		a.logger.Warn("Timeout waiting for goroutines to finish")
	}

	// Final snapshot before the stores close
	if a.snapshots != nil {
		a.persist()
	}

	// Close connections
	if err := a.closeConnections(); err != nil {
		a.logger.WithError(err).Error("Error closing connections")
	}

	a.logger.Info("Application stopped successfully")
	return nil
}

// Tracker returns the sync tracker
func (a *App) Tracker() *tracker.Tracker {
	return a.tracker
}

// Connect opens the push subscription feeding domain
func (a *App) Connect(ctx context.Context, domain models.Domain) error {
	mgr, ok := a.managers[domain]
	if !ok {
		return fmt.Errorf("%w: %s", tracker.ErrUnknownDomain, domain)
	}
	return mgr.Connect(ctx)
}

// Disconnect closes the push subscription feeding domain
func (a *App) Disconnect(domain models.Domain) error {
	mgr, ok := a.managers[domain]
	if !ok {
		return fmt.Errorf("%w: %s", tracker.ErrUnknownDomain, domain)
	}
	mgr.Disconnect()
	return nil
}

// leaders returns one manager per physical channel
func (a *App) leaders() map[models.Domain]*connection.Manager {
	out := make(map[models.Domain]*connection.Manager, len(a.managers))
	for _, mgr := range a.managers {
		out[mgr.Domain()] = mgr
	}
	return out
}

func (a *App) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracker.Persist(ctx, a.snapshots); err != nil {
		a.logger.WithError(err).Warn("Failed to persist snapshot")
	}
}

func (a *App) writeMetrics() {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.InfluxDB.Timeout)
	defer cancel()
	err := a.influxDB.WriteStats(ctx, a.tracker.Stats(), a.tracker.GetAggregateSnapshot(), a.clock.Now())
	if err != nil {
		a.logger.WithError(err).Warn("Failed to write sync metrics")
	}
}

// Private initialization methods

func (a *App) initializeMessaging() error {
	if !a.cfg.NeedsNATS() {
		return nil
	}
	client, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		return err
	}
	a.natsClient = client
	return nil
}

func (a *App) initializeTracker() error {
	domains := make([]models.Domain, 0, len(a.cfg.Tracker.Domains))
	for _, name := range a.cfg.Tracker.Domains {
		d, err := models.ParseDomain(name)
		if err != nil {
			return err
		}
		domains = append(domains, d)
	}

	var requester resume.Requester
	if a.natsClient != nil {
		requester = a.natsClient
	}
	resumer, err := resume.New(&a.cfg.Resume, requester, a.logger)
	if err != nil {
		return err
	}

	a.tracker = tracker.New(tracker.Options{
		Domains:    domains,
		MaxRetries: a.cfg.Tracker.MaxRetries,
		Resumer:    resumer,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	return nil
}

func (a *App) initializeSnapshots() error {
	switch a.cfg.Tracker.SnapshotStore {
	case "", "none":
		return nil
	case "bolt":
		bolt, err := store.NewBoltStore(a.cfg.Bolt.Path)
		if err != nil {
			return err
		}
		a.boltStore = bolt
		a.snapshots = bolt
	case "redis":
		client, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
		if err != nil {
			return err
		}
		a.redisCache = client
		a.snapshots = client
	default:
		return fmt.Errorf("unknown snapshot store %q", a.cfg.Tracker.SnapshotStore)
	}

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()
	restored, err := a.tracker.Restore(ctx, a.snapshots)
	if err != nil {
		// A corrupt snapshot should not keep the tracker down
		a.logger.WithError(err).Warn("Starting with empty registries")
		return nil
	}
	a.logger.WithFields(logrus.Fields{
		"store":    a.cfg.Tracker.SnapshotStore,
		"entities": restored,
	}).Info("Snapshot restored")
	return nil
}

func (a *App) initializeDatabase() error {
	if a.cfg.Tracker.HistoryEnabled {
		client, err := database.NewMySQLClient(&a.cfg.MySQL, a.logger)
		if err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
		a.mysqlDB = client
		// Record every transition off the listener goroutine
		a.history = database.NewHistoryRecorder(client, database.DefaultHistoryQueue, a.logger)
		a.unsubscribe = append(a.unsubscribe, a.tracker.SubscribeAll(a.history.Observe))
	}

	if a.cfg.Tracker.MetricsEnabled {
		a.influxDB = database.NewInfluxClient(&a.cfg.InfluxDB, a.logger)
	}

	// Broadcast registry changes on NATS
	if a.cfg.Tracker.BroadcastEnabled && a.natsClient != nil {
		log := a.logger.WithField("component", "broadcast")
		a.unsubscribe = append(a.unsubscribe, a.tracker.SubscribeAll(func(u tracker.Update) {
			if err := a.natsClient.PublishUpdate(u); err != nil {
				log.WithError(err).WithField("domain", u.Domain).Warn("Failed to publish state")
			}
		}))
	}
	return nil
}

func (a *App) initializeConnections() error {
	source, err := a.buildSource()
	if err != nil {
		return err
	}

	heartbeatTimeout := a.cfg.Tracker.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 2 * a.cfg.Tracker.HeartbeatInterval
	}

	for _, group := range a.channelGroups() {
		members := group
		mgr := connection.NewManager(connection.Options{
			Domain:           members[0],
			Source:           source,
			Dispatcher:       a.tracker,
			Timer:            a.clock,
			HeartbeatTimeout: heartbeatTimeout,
			ReconnectInitial: a.cfg.Tracker.ReconnectInitial,
			ReconnectMax:     a.cfg.Tracker.ReconnectMax,
			OnStatus: func(status models.ConnectionStatus) {
				for _, d := range members {
					status.Domain = d
					a.tracker.SetConnectionStatus(status)
				}
			},
			Logger: a.logger,
		})
		for _, d := range members {
			a.managers[d] = mgr
		}
	}
	return nil
}

// channelGroups groups domains that are fed by the same stream. The first
// domain of a group owns the connection.
func (a *App) channelGroups() [][]models.Domain {
	var groups [][]models.Domain
	index := make(map[string]int)
	for _, d := range a.tracker.Domains() {
		key := string(d)
		if a.cfg.Stream.Transport != "nats" {
			key = a.cfg.StreamURL(string(d))
		}
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], d)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []models.Domain{d})
	}
	return groups
}

func (a *App) buildSource() (connection.Source, error) {
	urls := make(map[models.Domain]string)
	for _, d := range a.tracker.Domains() {
		urls[d] = a.cfg.StreamURL(string(d))
	}

	switch a.cfg.Stream.Transport {
	case "", "sse":
		return connection.NewSSESource(urls, a.cfg.Stream.Token, nil), nil
	case "websocket":
		return connection.NewWebSocketSource(urls, a.cfg.Stream.Token, a.cfg.Stream.HandshakeTimeout), nil
	case "nats":
		if a.natsClient == nil {
			return nil, fmt.Errorf("nats transport requires a NATS connection")
		}
		return connection.NewNATSSource(a.natsClient, 0), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", a.cfg.Stream.Transport)
	}
}

func (a *App) initializeWebSocket() {
	a.hub = websocket.NewHub(websocket.Options{
		Tracker:           a.tracker,
		Timer:             a.clock,
		Config:            a.cfg.WebSocket,
		TickInterval:      a.cfg.Tracker.TickInterval,
		HeartbeatInterval: a.cfg.Tracker.HeartbeatInterval,
		Logger:            a.logger,
	})
}

func (a *App) initializeAPIServer() {
	deps := api.Deps{
		Tracker:     a.tracker,
		Connections: a,
		Hub:         a.hub,
		Health:      make(map[string]api.HealthChecker),
	}
	if a.mysqlDB != nil {
		deps.History = a.mysqlDB
		deps.Health["mysql"] = a.mysqlDB
	}
	if a.redisCache != nil {
		deps.Health["redis"] = a.redisCache
	}
	if a.influxDB != nil {
		deps.Metrics = a.influxDB
		deps.Health["influxdb"] = a.influxDB
	}
	if a.natsClient != nil {
		deps.Messaging = a.natsClient
		deps.Health["nats"] = a.natsClient
	}

	a.apiServer = api.NewServer(a.cfg, deps, a.logger)
}

func (a *App) closeConnections() error {
	var errs []error

	if a.mysqlDB != nil {
		if err := a.mysqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MySQL: %w", err))
		}
	}

	if a.influxDB != nil {
		// Flushes pending writes, no error reported
		a.influxDB.Close()
	}

	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if a.boltStore != nil {
		if err := a.boltStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close snapshot file: %w", err))
		}
	}

	// Drain last so the final broadcasts still go out
	if a.natsClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := a.natsClient.Drain(ctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to drain NATS: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}
	return nil
}
