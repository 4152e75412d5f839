package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vrsandeep/imdb-etl/internal/assets"
	"github.com/vrsandeep/imdb-etl/internal/catalog"
	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/datasets"
	"github.com/vrsandeep/imdb-etl/internal/db"
	"github.com/vrsandeep/imdb-etl/internal/enrich"
	"github.com/vrsandeep/imdb-etl/internal/finder"
	"github.com/vrsandeep/imdb-etl/internal/importer"
	"github.com/vrsandeep/imdb-etl/internal/jobs"
	"github.com/vrsandeep/imdb-etl/internal/logger"
	"github.com/vrsandeep/imdb-etl/internal/normalize"
	"github.com/vrsandeep/imdb-etl/internal/providers/yts"
	"github.com/vrsandeep/imdb-etl/internal/queue"
	"github.com/vrsandeep/imdb-etl/internal/store"
	"github.com/vrsandeep/imdb-etl/internal/torrent"
	"github.com/vrsandeep/imdb-etl/internal/websocket"
)

// App holds the lifecycle-scoped resources of the server process. Every
// client is constructed once in New and released in Close.
type App struct {
	config    *config.Config
	db        *sql.DB
	store     *store.Store
	catalog   *catalog.Catalog
	broker    *queue.Broker
	hub       *websocket.Hub
	scheduler *jobs.Scheduler
	swarm     torrent.Swarm
	stages    jobs.Stages
	log       zerolog.Logger
}

// OpenQueue opens and migrates the queue database and returns a broker over
// it that knows every pipeline queue.
func OpenQueue(cfg *config.Config) (*sql.DB, *queue.Broker, error) {
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.RunMigrations(database, assets.MigrationsFS); err != nil {
		// We can't proceed without a valid database schema.
		database.Close()
		return nil, nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	return database, queue.New(database, cfg.Queues.PollInterval, jobs.Queues...), nil
}

// New sets up and returns a new App instance: queue database, PostgreSQL
// pool, MongoDB client, torrent client, websocket hub, broker, scheduler and
// the pipeline stages built on top of them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{config: cfg, log: logger.Named("core")}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	var err error
	app.db, app.broker, err = OpenQueue(cfg)
	if err != nil {
		return nil, err
	}

	if app.store, err = store.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	app.catalog, err = catalog.Connect(ctx, cfg.Mongo.URL, cfg.Mongo.Database, cfg.Mongo.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	swarm, err := torrent.NewAnacrolixSwarm(cfg)
	if err != nil {
		return nil, err
	}
	app.swarm = swarm

	dss, err := datasets.Select(cfg.Datasets.Only)
	if err != nil {
		return nil, fmt.Errorf("invalid datasets.only: %w", err)
	}

	app.hub = websocket.NewHub()
	go app.hub.Run()

	app.scheduler = jobs.NewScheduler(app.broker)
	app.stages = jobs.Stages{
		Importer:    importer.New(cfg, app.store),
		Datasets:    dss,
		TitleFinder: finder.NewTitleFinder(cfg, app.store, app.broker),
		Normalizer:  normalize.New(app.store, app.catalog),
		MovieFinder: finder.NewMovieFinder(cfg, app.catalog, app.broker),
		Enricher:    enrich.New(cfg, yts.New(cfg), app.catalog, app.broker),
		Acquirer:    torrent.New(cfg, app.swarm, app.hub),
	}

	ok = true
	app.log.Info().Msg("Core application setup complete.")
	return app, nil
}

func (a *App) Config() *config.Config     { return a.config }
func (a *App) DB() *sql.DB                { return a.db }
func (a *App) Broker() *queue.Broker      { return a.broker }
func (a *App) Queue() jobs.Broker         { return a.broker }
func (a *App) WsHub() *websocket.Hub      { return a.hub }
func (a *App) Progress() jobs.Broadcaster { return a.hub }
func (a *App) Scheduler() *jobs.Scheduler { return a.scheduler }
func (a *App) Stages() jobs.Stages        { return a.stages }
func (a *App) Store() *store.Store        { return a.store }
func (a *App) Catalog() *catalog.Catalog  { return a.catalog }

// Start registers the pipeline consumers and the recurring triggers, then
// starts both. Cancelling ctx stops the consumers.
func (a *App) Start(ctx context.Context) error {
	if err := jobs.Register(a); err != nil {
		return err
	}
	if err := jobs.RegisterSchedules(a.scheduler, a.config, a.broker); err != nil {
		return err
	}
	if err := a.broker.Start(ctx); err != nil {
		return err
	}
	a.scheduler.Start()
	return nil
}

// Health pings every backing store. A nil map value means the store is up.
func (a *App) Health(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return map[string]error{
		"queue":    a.db.PingContext(ctx),
		"postgres": a.store.Ping(ctx),
		"mongodb":  a.catalog.Ping(ctx),
	}
}

// Close stops the scheduler, drains the consumers and releases every
// client. It is safe to call on a partially constructed App.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.broker != nil {
		a.broker.Stop()
	}
	var errs []error
	if a.swarm != nil {
		errs = append(errs, a.swarm.Close())
	}
	if a.catalog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		errs = append(errs, a.catalog.Close(ctx))
		cancel()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn().Err(err).Msg("Error releasing resources")
	}
}
