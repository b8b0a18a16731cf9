package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/14-matchmaking/internal/config"
	"github.com/koopa0/system-design/14-matchmaking/internal/events"
	"github.com/koopa0/system-design/14-matchmaking/internal/handler"
	"github.com/koopa0/system-design/14-matchmaking/internal/history"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	"github.com/koopa0/system-design/14-matchmaking/internal/session"
	"github.com/koopa0/system-design/14-matchmaking/internal/store"
	"github.com/koopa0/system-design/14-matchmaking/internal/transport"
	"github.com/koopa0/system-design/14-matchmaking/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	var (
		lock      matchmaking.Lock
		queue     matchmaking.OrderedQueue
		recorders matchmaking.Recorders
		opts      []handler.Option
	)

	// 協調存儲
	switch cfg.Matchmaking.Store {
	case config.StoreRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		lock = store.NewRedisLock(redisClient, cfg.Matchmaking.KeyPrefix, cfg.Matchmaking.LockTTL)
		queue = store.NewRedisQueue(redisClient, cfg.Matchmaking.KeyPrefix)
		opts = append(opts, handler.WithReadyCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
		log.Info("using redis coordination store", "addr", cfg.Redis.Addr, "prefix", cfg.Matchmaking.KeyPrefix)

	case config.StoreMemory:
		lock = store.NewMemoryLock(cfg.Matchmaking.LockTTL)
		queue = store.NewMemoryQueue()
		log.Warn("using in-memory coordination store, matchmaking is limited to this process")
	}

	// 配對歷史
	if cfg.Postgres.Enabled {
		dsn := cfg.PostgresDSN()
		if err := history.Migrate(dsn, log); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}

		pgConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return fmt.Errorf("parse postgres config: %w", err)
		}
		pgConfig.MaxConns = cfg.Postgres.MaxConns
		pgConfig.MinConns = cfg.Postgres.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		recorder := history.NewPostgres(pool)
		recorders = append(recorders, recorder)
		opts = append(opts,
			handler.WithHistory(recorder),
			handler.WithReadyCheck("postgres", pool.Ping))
	}

	// 事件匯流排
	if cfg.NATS.Enabled {
		nc, err := events.Connect(cfg.NATS.URL, "matchmaking")
		if err != nil {
			return err
		}
		defer nc.Close()

		recorders = append(recorders, events.NewPublisher(nc, cfg.NATS.SubjectPrefix))
		opts = append(opts, handler.WithReadyCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}))
	}

	directory := session.NewDirectory()
	games := session.NewManager(directory, session.ManagerOptions{
		MaxSessions:     cfg.Session.MaxSessions,
		StartTimeout:    cfg.Session.StartTimeout,
		CleanupInterval: cfg.Session.CleanupInterval,
		Logger:          log,
	})

	// 每個進程只有一個配對服務實例
	svc, err := matchmaking.NewService(matchmaking.Options{
		Lock:        lock,
		Queue:       queue,
		Directory:   directory,
		Sessions:    games,
		Notifier:    session.PacketNotifier{},
		Recorder:    recorders,
		Interval:    cfg.Matchmaking.Interval,
		MaxWait:     cfg.Matchmaking.MaxWait,
		WindowSize:  cfg.Matchmaking.WindowSize,
		TickTimeout: cfg.TickTimeout(),
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("create matchmaking service: %w", err)
	}

	hub := transport.NewHub(svc, games, directory, log)
	opts = append(opts, handler.WithWebSocket(hub.ServeWS))
	h := handler.New(svc, log, opts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	svc.Start()

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)
	}

	// 先停配對循環，再關連線（斷線會取消佇列項目），最後關 HTTP
	svc.Stop()
	hub.Stop()
	games.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown server", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("failed to force close server", "error", closeErr)
		}
	}

	return runErr
}
