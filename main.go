package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/chakshot/internal/auth"
	"github.com/example/chakshot/internal/backend"
	"github.com/example/chakshot/internal/config"
	"github.com/example/chakshot/internal/connectivity"
	"github.com/example/chakshot/internal/handlers"
	"github.com/example/chakshot/internal/logging"
	"github.com/example/chakshot/internal/pipeline"
	"github.com/example/chakshot/internal/repository"
	"github.com/example/chakshot/internal/session"
	"github.com/example/chakshot/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer bootCancel()

	db := initDatabase(bootCtx, cfg.DatabaseDSN, logger)
	repo := repository.NewRunRepository(db, logger)
	if err := repo.AutoMigrate(bootCtx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(bootCtx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	gin.SetMode(gin.ReleaseMode)
	application, err := newApp(cfg, repo, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to assemble application", zap.Error(err))
	}
	application.monitor.Start(context.Background())
	defer application.monitor.Stop()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: application.router,
	}

	logger.Info("chakshot api listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("backend_url", cfg.BackendURL))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	application.bus.WaitAsync()
}

type app struct {
	router  *gin.Engine
	monitor *connectivity.Monitor
	bus     evbus.Bus
}

// newApp wires the backend client, connectivity monitor, orchestrator and
// routes. The monitor is returned unstarted.
func newApp(cfg *config.Config, repo usecase.RunRepository, redisClient *redis.Client, logger *zap.Logger) (*app, error) {
	client := backend.NewHTTPClient(cfg.BackendURL, cfg.BackendTimeout, logger)

	bus := evbus.New()
	if err := bus.SubscribeAsync(connectivity.TopicStateChanged, func(snap connectivity.Snapshot) {
		logger.Info("connectivity changed",
			zap.String("state", string(snap.State)),
			zap.Int("retry_count", snap.RetryCount),
			zap.Bool("dormant", snap.Dormant))
	}, false); err != nil {
		return nil, fmt.Errorf("subscribe connectivity events: %w", err)
	}

	monitor := connectivity.NewMonitor(client, logger, connectivity.Options{
		LongInterval:  cfg.HealthLongInterval,
		ShortInterval: cfg.HealthShortInterval,
		RetryCap:      cfg.HealthRetryCap,
		Notifier:      bus,
	})

	orchestrator := pipeline.NewOrchestrator(client, monitor, logger)
	uc := usecase.NewAnalysisUseCase(session.NewStore(), orchestrator, monitor, client,
		usecase.NewRedisCache(redisClient), repo, logger, usecase.Options{
			DefaultLanguage:    cfg.DefaultLanguage,
			SupportedLanguages: cfg.SupportedLanguages,
			ClientVersion:      cfg.ClientVersion,
			ResultTTL:          cfg.ResultTTL,
		})

	r := handlers.NewRouter(logger, cfg.CORSOrigins)
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), cfg.MaxUploadBytes)

	return &app{router: r, monitor: monitor, bus: bus}, nil
}

func openDialector(dsn string) gorm.Dialector {
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		return sqlite.Open(path)
	}
	return postgres.Open(dsn)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(openDialector(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
