package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"peercall-engine/internal/config"
	"peercall-engine/internal/domain"
	callHandler "peercall-engine/internal/handler/http/call"
	pushHandler "peercall-engine/internal/handler/http/push"
	"peercall-engine/internal/middleware"
	"peercall-engine/internal/notify"
	fsRepo "peercall-engine/internal/repository/firestore"
	memoryRepo "peercall-engine/internal/repository/memory"
	redisRepo "peercall-engine/internal/repository/redis"
	callService "peercall-engine/internal/service/call"
	"peercall-engine/internal/transport/pion"
	"peercall-engine/pkg/constants"
	"peercall-engine/pkg/logger"
	"peercall-engine/pkg/metrics"
	"peercall-engine/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	cfg := config.Load()
	if cfg.SelfID == "" {
		log.Fatal("PEERCALL_SELF_ID environment variable is required")
	}

	ctx := context.Background()
	callMetrics := metrics.NewCallMetrics(prometheus.DefaultRegisterer)

	// 1. Signaling store
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize signaling store", zap.Error(err))
	}
	defer closeStore()

	// 2. Push stack: token repository + provider
	tokenRepo := buildTokenRepository(ctx, cfg)
	provider, err := push.NewProvider()
	if err != nil {
		logger.Fatal("failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(provider, tokenRepo)

	// 3. Notification bridge over push and the record store
	bridge := notify.NewService(pushSvc, store, callMetrics)

	// 4. Media transport
	factory := pion.NewFactory(cfg.ICEServers)
	media := pion.NullMediaDevice{}

	// 5. Call manager for the local user
	manager := callService.NewManager(cfg, cfg.SelfID, store, bridge, media, factory, callMetrics, callService.Callbacks{
		OnRemoteStream: func(stream callService.MediaStream) {
			logger.Info("remote media stream attached", zap.String("kind", string(stream.Kind())))
		},
		OnConnectionState: func(state domain.ConnectionState) {
			logger.Info("call connection state", zap.String("state", string(state)))
		},
		OnError: func(err error) {
			logger.Error("call failed", zap.Error(err))
		},
		OnEnded: func() {
			logger.Info("call ended")
		},
	})

	// 6. HTTP surface
	router := buildRouter(cfg, manager, pushSvc)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		logger.Info("call agent listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("self_id", cfg.SelfID),
			zap.String("store_backend", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 7. Graceful shutdown: hang up active calls before closing the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	logger.Info("call agent stopped")
}

// buildStore selects the signaling store backend
func buildStore(ctx context.Context, cfg *config.Config) (callService.RecordStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory signaling store; calls cannot cross processes")
		return memoryRepo.NewCallStore(), func() {}, nil
	default:
		var opts []option.ClientOption
		if cfg.FirestoreCredsPath != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.FirestoreCredsPath))
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID, opts...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to Firestore", zap.String("project_id", cfg.FirestoreProjectID))
		return fsRepo.NewCallStore(client, cfg.CallsCollection), func() { client.Close() }, nil
	}
}

// buildTokenRepository connects to Redis for push tokens, degrading to
// the in-memory store when Redis is unreachable.
func buildTokenRepository(ctx context.Context, cfg *config.Config) push.TokenRepository {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, keeping push tokens in memory",
			zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return memoryRepo.NewTokenStore()
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	return redisRepo.NewPushTokenRepository(client)
}

func buildRouter(cfg *config.Config, manager *callService.Manager, pushSvc *push.Service) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-agent",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	callHandler.NewHandler(manager).RegisterRoutes(v1)
	pushHandler.NewHandler(pushSvc, cfg.SelfID).RegisterRoutes(v1)
	return router
}
