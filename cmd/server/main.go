// Package main runs the StreamGrid relay server: WebSocket fan-out for
// viewer sync and reactions, room state HTTP API and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamgrid/backend/config"
	"github.com/streamgrid/backend/internal/auth"
	"github.com/streamgrid/backend/internal/middleware"
	"github.com/streamgrid/backend/internal/relay"
	"github.com/streamgrid/backend/internal/sessions"
	"github.com/streamgrid/backend/pkg/database"
	"github.com/streamgrid/backend/pkg/queue"
	"github.com/streamgrid/backend/pkg/redis"
	"github.com/streamgrid/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(jwtService, logger)

	redisPubSub := relay.NewRedisPubSub(rdb.Client, logger)
	hub := relay.NewHub(logger, redisPubSub, redisPubSub)
	rooms := relay.NewRooms(logger, relay.RoomOptions{DriftThreshold: cfg.Sync.DriftThreshold})
	relayHandler := relay.NewHandler(rooms, hub)

	sessionRepo := sessions.NewRepository(pool)
	sessionHandler := sessions.NewHandler(sessionRepo, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Session analytics: track peak viewers per room; when the last
	// connection drops, close the session row and hand finalization to
	// the worker.
	hub.SetViewerChangeHandler(func(roomID string, count int) {
		streamID := ""
		if room, ok := rooms.Snapshot(roomID); ok {
			streamID = room.StreamID
		}
		if count == 0 {
			session, err := sessionRepo.GetActiveByRoom(ctx, roomID)
			if err != nil || session == nil {
				return
			}
			_ = sessionRepo.End(ctx, session.ID)
			_ = jobQueue.EnqueueSessionStats(ctx, queue.SessionStatsPayload{
				SessionID: session.ID,
				RoomID:    roomID,
				StreamID:  session.StreamID,
			})
			return
		}
		session, err := sessionRepo.GetOrCreateActive(ctx, roomID, streamID)
		if err != nil || session == nil {
			return
		}
		if count > session.PeakViewers {
			_ = sessionRepo.UpdatePeakViewers(ctx, session.ID, count)
		}
	})

	// Reaction and sync-correction totals per room session.
	relayHooks := relay.Hooks{
		OnReactions: func(roomID string, n int) {
			session, err := sessionRepo.GetActiveByRoom(ctx, roomID)
			if err != nil || session == nil {
				return
			}
			_ = sessionRepo.IncrementReactions(ctx, session.ID, int64(n))
		},
		OnSyncCorrections: func(roomID string, n int) {
			session, err := sessionRepo.GetActiveByRoom(ctx, roomID)
			if err != nil || session == nil {
				return
			}
			_ = sessionRepo.IncrementSyncCorrections(ctx, session.ID, int64(n))
		},
	}

	jwtValidate := func(token string) (userID, username string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID, claims.Username, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	router.POST("/auth/token", authHandler.Token)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/rooms/:id", relayHandler.GetRoom)
		api.GET("/rooms/:id/session", sessionHandler.GetActiveSession)
		api.GET("/streams/:id/analytics", middleware.RequireRole("admin", "host"), sessionHandler.GetStreamAnalytics)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", relay.ServeWs(hub, rooms, logger, jwtValidate, relayHooks))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
