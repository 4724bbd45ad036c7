package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/emotune/internal/auth"
	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/config"
	"github.com/example/emotune/internal/events"
	"github.com/example/emotune/internal/grpcserver"
	"github.com/example/emotune/internal/handlers"
	"github.com/example/emotune/internal/logging"
	"github.com/example/emotune/internal/middleware"
	"github.com/example/emotune/internal/music"
	"github.com/example/emotune/internal/repository"
	"github.com/example/emotune/internal/usecase"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	predictions := repository.NewPredictionRepository(db, logger)
	users := repository.NewUserRepository(db, logger)

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	cache, closeCache := initCache(redisCtx, cfg.Redis, logger)
	defer closeCache()

	model, _ := classifier.Load(classifier.Options{
		ModelPath:    cfg.Model.Path,
		MetadataPath: cfg.Model.MetadataPath,
		LibraryPath:  cfg.Model.ONNXLibraryPath,
	}, logger)
	defer closeClassifier(model)

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("invalid auth configuration", zap.Error(err))
	}

	emotionUC := usecase.NewEmotionUseCase(model, predictions, cache, cfg.Redis.TTL, logger)
	publisher := initPublisher(cfg.MQTT, logger)
	defer publisher.Close()
	emotionUC.SetPublisher(publisher)

	recommendationUC := usecase.NewRecommendationUseCase(initCatalog(cfg.Spotify, logger), cache, cfg.Redis.TTL, logger)
	accountUC := usecase.NewAccountUseCase(users, tokens, logger)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(logger.Named("http")))
	r.MaxMultipartMemory = cfg.Server.MaxUploadSize

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Emotion:         emotionUC,
		Recommendations: recommendationUC,
		Accounts:        accountUC,
		Tokens:          tokens,
		Logger:          logger,
		MaxUploadSize:   cfg.Server.MaxUploadSize,
		Version:         version,
	})

	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err), zap.String("addr", cfg.GRPC.Addr))
	}
	healthServer := grpcserver.New(emotionUC.ModelReady, logger)
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           middleware.CORS(cfg.CORS.AllowedOrigins, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("emotune API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", version),
		zap.Bool("model_ready", emotionUC.ModelReady()),
		zap.Bool("catalog_available", recommendationUC.Available()))
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	healthServer.Stop(stopCtx)

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) *gorm.DB {
	db, err := repository.Open(ctx, cfg.Driver, cfg.DSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := repository.AutoMigrate(ctx, db); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return db
}

// initCache falls back to a no-op cache when redis is unreachable.
func initCache(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (usecase.Cache, func()) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, caching disabled", zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return usecase.NoopCache{}, func() {}
	}
	return usecase.NewRedisCache(client), func() { _ = client.Close() }
}

// initCatalog returns a nil interface, not a typed nil, when Spotify is not
// configured.
func initCatalog(cfg config.SpotifyConfig, logger *zap.Logger) music.Catalog {
	client, err := music.NewSpotifyClient(music.SpotifyConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		APIBaseURL:   cfg.APIBaseURL,
		Timeout:      cfg.Timeout,
	}, logger)
	if err != nil {
		logger.Warn("spotify catalog disabled", zap.Error(err))
		return nil
	}
	return client
}

func initPublisher(cfg config.MQTTConfig, logger *zap.Logger) events.Publisher {
	if cfg.Broker == "" {
		return events.Noop{}
	}
	publisher, err := events.NewMQTTPublisher(events.MQTTConfig{
		Broker:         cfg.Broker,
		Topic:          cfg.Topic,
		QoS:            cfg.QoS,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger)
	if err != nil {
		logger.Warn("detection events disabled", zap.Error(err))
		return events.Noop{}
	}
	return publisher
}

func closeClassifier(c classifier.Classifier) {
	if onnx, ok := c.(*classifier.ONNX); ok {
		onnx.Close()
	}
	classifier.Shutdown()
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
