package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/api"
	"github.com/ammar1510/errands/internal/auth"
	"github.com/ammar1510/errands/internal/chat"
	"github.com/ammar1510/errands/internal/config"
	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/errand"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/logger"
	"github.com/ammar1510/errands/internal/media"
	"github.com/ammar1510/errands/internal/notify"
	"github.com/ammar1510/errands/internal/websocket"
)

var log = logger.New("server")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	logFile, err := logger.Setup(cfg.LogFile)
	if err != nil {
		log.Fatal("Failed to open log file: %v", err)
	}
	defer logFile.Close()
	log.Info("Server logging initialized - output directed to console and %s", cfg.LogFile)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	auth.InitJWTKey([]byte(cfg.JWTSecret))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(database.DatabaseType(cfg.DBType), cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if pg, ok := db.(*database.PostgresDB); ok {
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("Failed to apply schema: %v", err)
		}
	}
	log.Info("Connected to %s database successfully", cfg.DBType)

	// The gateway authorizes room joins through the chat service, which
	// publishes through the dispatcher, which pushes through the gateway.
	var chats *chat.Service
	gatewayOpts := []websocket.Option{websocket.WithAllowedOrigins(cfg.AllowedOrigins)}
	if cfg.RedisAddr != "" {
		rdb, err := websocket.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		gatewayOpts = append(gatewayOpts, websocket.WithBroker(websocket.NewRedisBroker(rdb, websocket.DefaultRelayChannel)))
		log.Info("Realtime relay enabled via Redis at %s", cfg.RedisAddr)
	}
	gateway := websocket.NewManager(websocket.AuthorizerFunc(func(ctx context.Context, chatID, user uuid.UUID) error {
		return chats.CanJoin(ctx, chatID, user)
	}), gatewayOpts...)

	dispatcher := notify.NewDispatcher(db, gateway, gateway, cfg.PushMaxRetries)
	chats = chat.NewService(db, dispatcher)
	errands := errand.NewService(db, events.Fanout{chats, dispatcher}, errand.Options{
		DefaultRadiusMeters: cfg.DiscoveryRadiusMeters,
		MaxRadiusMeters:     cfg.MaxDiscoveryRadiusMeters,
		DisputeWindow:       cfg.DisputeWindow,
		MaxReward:           cfg.MaxReward,
		DefaultCurrency:     cfg.DefaultCurrency,
	})

	deps := api.Deps{
		DB:             db,
		Errands:        errands,
		Chats:          chats,
		Gateway:        gateway,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.UploadsEnabled() {
		presigner, err := media.NewPresigner(ctx, media.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			TTL:             cfg.UploadURLTTL,
		})
		if err != nil {
			log.Fatal("Failed to configure uploads: %v", err)
		}
		deps.Uploads = presigner
		log.Info("Upload presigning enabled for bucket %s", cfg.S3Bucket)
	} else {
		log.Warn("S3_BUCKET not set, uploads are disabled")
	}

	go gateway.Run(ctx)
	go errands.RunSweeper(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(deps),
	}

	go func() {
		log.Info("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to start server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}
	log.Info("Server exited properly")
}
