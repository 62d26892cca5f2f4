package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ammar1510/errands/internal/chat"
	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/errand"
	"github.com/ammar1510/errands/internal/websocket"
)

// Deps are the services the router exposes.
type Deps struct {
	DB             database.DBInterface
	Errands        *errand.Service
	Chats          *chat.Service
	Uploads        UploadSigner
	Gateway        *websocket.Manager
	AllowedOrigins []string
}

// SetupRouter builds the HTTP surface.
func SetupRouter(d Deps) *gin.Engine {
	router := gin.Default()

	if len(d.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     d.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", health(d.DB))

	errands := NewErrandHandler(d.Errands, d.Chats)
	chats := NewChatHandler(d.Chats)
	notifications := NewNotificationHandler(d.DB)
	uploads := NewUploadHandler(d.Uploads)

	if d.Gateway != nil {
		router.GET("/api/ws", TokenAuthMiddleware(), d.Gateway.HandleWebSocket)
	}

	authorized := router.Group("/api")
	authorized.Use(AuthMiddleware())
	{
		authorized.POST("/errands", errands.Create)
		authorized.GET("/errands/nearby", errands.Nearby)
		authorized.GET("/errands/mine", errands.Mine)
		authorized.GET("/errands/:id", errands.Get)
		authorized.POST("/errands/:id/accept", errands.Accept)
		authorized.POST("/errands/:id/begin", errands.Begin)
		authorized.POST("/errands/:id/complete", errands.Complete)
		authorized.POST("/errands/:id/dispute", errands.Dispute)
		authorized.POST("/errands/:id/finalize", errands.Finalize)
		authorized.POST("/errands/:id/cancel", errands.Cancel)
		authorized.POST("/errands/:id/resolve", RequireAdmin(), errands.Resolve)
		authorized.POST("/errands/:id/chat", errands.Chat)

		authorized.GET("/chats", chats.List)
		authorized.GET("/chats/:chatID", chats.Get)
		authorized.GET("/chats/:chatID/messages", chats.Messages)
		authorized.POST("/chats/:chatID/messages", chats.Post)
		authorized.POST("/chats/:chatID/read", chats.MarkRead)

		authorized.GET("/notifications", notifications.List)
		authorized.GET("/notifications/unread-count", notifications.UnreadCount)
		authorized.PUT("/notifications/read-all", notifications.MarkAllRead)
		authorized.PUT("/notifications/:id/read", notifications.MarkRead)

		authorized.POST("/uploads", uploads.Create)
	}

	return router
}

// health reports whether the store answers a ping.
func health(db database.DBInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log.Warn("health check failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
