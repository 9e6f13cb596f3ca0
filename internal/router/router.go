package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"sudooom.portal.messaging/internal/config"
	"sudooom.portal.messaging/internal/handler"
	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/pkg/jwt"
)

// Handlers groups the API handlers the router mounts.
type Handlers struct {
	Conversation *handler.ConversationHandler
	Message      *handler.MessageHandler
	Unread       *handler.UnreadHandler
	Events       *handler.EventsHandler
}

// SetupRouter builds the HTTP API. sendLimiter may be nil to disable send limiting.
func SetupRouter(
	cfg *config.Config,
	jwtService *jwt.Service,
	sendLimiter *middleware.RateLimiter,
	h Handlers,
) *gin.Engine {
	gin.SetMode(cfg.HTTP.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtService))
	{
		limited := sendLimiter.PerUser()

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", h.Conversation.Open)
			conversations.GET("", h.Conversation.List)
			conversations.GET("/:id", h.Conversation.Get)
			conversations.DELETE("/:id", h.Conversation.Delete)
			conversations.GET("/:id/messages", h.Message.List)
			conversations.POST("/:id/messages", limited, h.Message.Send)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", limited, h.Message.SendTo)
			messages.POST("/read", h.Message.MarkRead)
			messages.GET("/:id", h.Message.Get)
			messages.PUT("/:id", h.Message.Edit)
			messages.DELETE("/:id", h.Message.Delete)
		}

		unread := v1.Group("/unread")
		{
			unread.GET("", h.Unread.Count)
			unread.POST("/read-all", h.Unread.ReadAll)
		}

		v1.GET("/events", h.Events.Stream)
	}

	return r
}
