package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sudooom.im.livechat/internal/auth"
	"sudooom.im.livechat/internal/service"
)

type RouterOptions struct {
	AllowedOrigins []string
	// WebSocket 为 nil 时不注册 /ws
	WebSocket http.Handler
	Logger    *slog.Logger
}

// NewRouter 设置路由
func NewRouter(chat *service.ChatService, authn auth.Authenticator, opts RouterOptions) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger.With("component", "http")))
	r.Use(CORS(opts.AllowedOrigins))

	// 实时连接在第一帧 connect 中认证
	if opts.WebSocket != nil {
		r.GET("/ws", gin.WrapH(opts.WebSocket))
	}

	h := NewChatHandler(chat)

	v1 := r.Group("/api/v1")
	v1.Use(TokenAuth(authn))
	{
		messages := v1.Group("/messages")
		{
			messages.POST("", h.CreateMessage)
			messages.GET("/:id", h.GetMessage)
			messages.DELETE("/:id", h.DeleteMessage)
			messages.POST("/:id/read", h.MarkRead)
			messages.POST("/:id/delivered", h.MarkDelivered)
			messages.POST("/:id/reactions", h.ToggleReaction)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id/messages", h.ListMessages)
			conversations.POST("/:id/read", h.MarkConversationRead)
		}

		groups := v1.Group("/groups")
		{
			groups.POST("/:id/members", h.AddGroupMember)
			groups.GET("/:id/members", h.ListGroupMembers)
		}

		v1.GET("/users/:id/presence", h.UserPresence)
		v1.GET("/presence", h.OnlineUsers)
	}

	return r
}
