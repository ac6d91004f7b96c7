package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/clients/redis"
	"github.com/yungbote/smriti-backend/internal/data/db"
	datagraph "github.com/yungbote/smriti-backend/internal/data/graph"
	opshttp "github.com/yungbote/smriti-backend/internal/http"
	httpH "github.com/yungbote/smriti-backend/internal/http/handlers"
	"github.com/yungbote/smriti-backend/internal/jobs/runtime"
	"github.com/yungbote/smriti-backend/internal/jobs/scheduler"
	"github.com/yungbote/smriti-backend/internal/jobs/worker"
	"github.com/yungbote/smriti-backend/internal/modules/graph"
	"github.com/yungbote/smriti-backend/internal/observability"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/platform/neo4jdb"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Repos    Repos
	Claims   Claims
	Services Services
	Metrics  *observability.Metrics
	Redis    goredis.UniversalClient
	Neo4j    *neo4jdb.Client

	orch         *graph.Orchestrator
	shutdownOTel func(context.Context) error
}

// New opens the store and wires everything that does not need model
// credentials. A nil log builds one from cfg.LogMode.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	if log == nil {
		var err error
		log, err = logger.New(cfg.LogMode)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	theDB, err := db.Open(db.Config{
		Driver:          cfg.DB.Driver,
		DSN:             cfg.DB.DSN,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		LogLevel:        cfg.DB.LogLevel,
	}, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init db: %w", err)
	}
	if err := db.AutoMigrateAll(theDB); err != nil {
		log.Sync()
		return nil, fmt.Errorf("db automigrate: %w", err)
	}

	a := &App{
		Log: log,
		Cfg: cfg,
		DB:  theDB,
	}
	a.Repos = wireRepos(theDB, log)
	a.Claims = wireClaims(theDB, log, cfg.Pipeline.Lease)
	a.Services = wireServices(theDB, log, a.Repos)

	if cfg.Metrics.Enabled {
		a.Metrics = observability.Init(log, cfg.Metrics.Namespace)
	}
	a.shutdownOTel = observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OTel.Enabled,
		ServiceName: cfg.ServiceName,
		Environment: cfg.OTel.Environment,
		Version:     cfg.OTel.Version,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		SampleRatio: cfg.OTel.SampleRatio,
	})

	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, log, cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable; scheduler ticks are not coordinated", "error", err)
		} else {
			a.Redis = rdb
		}
	}
	if cfg.Neo4j.Enabled() {
		client, err := neo4jdb.New(ctx, log, cfg.Neo4j)
		if err != nil {
			log.Warn("neo4j unavailable; graph mirror disabled", "error", err)
		} else {
			a.Neo4j = client
		}
	}
	return a, nil
}

// Mirror reports ErrMissingConfig on use when Neo4j is not connected.
func (a *App) Mirror() graph.Mirror {
	deps := graph.MirrorDeps{Log: a.Log, Nodes: a.Repos.Node, Edges: a.Repos.Edge}
	if a.Neo4j != nil {
		deps.Sink = datagraph.NewThoughtGraphWriter(a.Neo4j, a.Log)
	}
	return graph.NewMirror(deps)
}

func (a *App) Worker(reg *runtime.Registry) *worker.Worker {
	return worker.NewWorker(a.DB, a.Log, a.Repos.JobRun, reg, a.Cfg.Worker)
}

// Scheduler coordinates ticks through Redis when it is configured.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	var lock scheduler.Locker
	if a.Redis != nil {
		lock = redis.NewTickLock(a.Redis, a.Cfg.Redis.Prefix)
	}
	p := a.Cfg.Pipeline
	return scheduler.New(a.Log, a.Services.Jobs, lock, a.Cfg.Scheduler.LockTTL, scheduler.StageEntries(
		a.Cfg.Scheduler,
		p.Embedding.BatchSize,
		p.Edges.BatchSize,
		p.Reflection.BatchSizePerUser,
		p.Reflection.OverallBatchSize,
	))
}

func (a *App) OpsServer() *opshttp.Server {
	return opshttp.NewServer(a.Cfg.OpsAddr, opshttp.RouterConfig{
		Log:           a.Log,
		ServiceName:   a.Cfg.ServiceName,
		Metrics:       a.Metrics,
		HealthHandler: httpH.NewHealthHandler(a.DB),
		GraphHandler:  httpH.NewGraphHandler(a.Services.Graph),
		JobHandler:    httpH.NewJobHandler(a.Services.Jobs),
	})
}

// StartCollectors runs the backlog and Redis gauges until ctx ends.
func (a *App) StartCollectors(ctx context.Context) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.StartBacklogCollector(ctx, a.Log, a.DB, a.Cfg.Metrics.BacklogInterval)
	if a.Redis != nil {
		a.Metrics.StartRedisCollector(ctx, a.Log, a.Redis, a.Cfg.Metrics.BacklogInterval)
	}
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.shutdownOTel != nil {
		if err := a.shutdownOTel(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Neo4j != nil {
		if err := a.Neo4j.Close(ctx); err != nil {
			a.Log.Warn("neo4j close failed", "error", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Sync()
}
