package bootstrap

import (
	"context"
	"os"
	"strings"
	"time"

	"scan_server/adapter/out/persistence"
	"scan_server/adapter/out/provider"
	"scan_server/adapter/out/token"
	"scan_server/config"
	"scan_server/core/service/scan"
	"scan_server/infra/database"
	"scan_server/internal/stream"
	"scan_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client
	Zlog   zerolog.Logger

	// Stores
	SessionStore   *persistence.SessionAdapter
	CandidateStore *persistence.CandidateAdapter
	EventLog       *persistence.EventAdapter
	MerchantStore  *persistence.MerchantAdapter

	// Outbound
	TokenStore    *token.Adapter
	DriverFactory *provider.Factory

	// Queue
	Stream   *stream.RedisStream
	Producer *stream.Producer

	// Core
	DirectoryCache *scan.DirectoryCache
	ChunkEngine    *scan.ChunkEngine
	Orchestrator   *scan.Orchestrator
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	deps.Zlog = zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		deps.Zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Database (pgxpool, health checks)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		cleanupAll(cleanups)
		return nil, nil, err
	}

	// Database (sqlx for the adapters)
	// Simple protocol avoids prepared statement conflicts behind PgBouncer
	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		cleanupAll(cleanups)
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		cleanupAll(cleanups)
		return nil, nil, err
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { redisClient.Close() })

	// Stores
	deps.SessionStore = persistence.NewSessionAdapter(sqlDB)
	deps.CandidateStore = persistence.NewCandidateAdapter(sqlDB)
	deps.EventLog = persistence.NewEventAdapter(sqlDB)
	deps.MerchantStore = persistence.NewMerchantAdapter(sqlDB)

	// Token store (Redis, encrypted at rest)
	deps.TokenStore = token.NewAdapter(redisClient, token.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})

	// Mailbox drivers
	deps.DriverFactory = provider.NewFactory()

	// Chunk queue (Redis Streams)
	deps.Stream = stream.NewRedisStream(redisClient, "scan-workers")
	deps.Producer = stream.NewProducer(deps.Stream)

	// Core services
	deps.DirectoryCache = scan.NewDirectoryCache(deps.MerchantStore)
	deps.ChunkEngine = scan.NewChunkEngine(deps.Zlog)
	deps.Orchestrator = scan.NewOrchestrator(
		deps.SessionStore,
		deps.CandidateStore,
		deps.EventLog,
		deps.Producer,
		deps.TokenStore,
		deps.DirectoryCache,
		deps.DriverFactory,
		deps.ChunkEngine,
		cfg.WorkerID,
		deps.Zlog,
	)

	logger.Info("Dependencies initialized (worker_id=%s)", cfg.WorkerID)

	cleanup := func() { cleanupAll(cleanups) }
	return deps, cleanup, nil
}

func cleanupAll(cleanups []func()) {
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}
