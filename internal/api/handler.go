package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/service"
)

// ChatHandler 消息、表情、已读和在线状态接口
type ChatHandler struct {
	chat *service.ChatService
}

func NewChatHandler(chat *service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

type memberRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// CreateMessage 发送消息，发送者为当前用户
// POST /api/v1/messages
func (h *ChatHandler) CreateMessage(c *gin.Context) {
	var req service.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID := GetUserID(c)
	if req.SenderID != "" && req.SenderID != userID {
		Error(c, apperrors.ErrInvalidIdentity)
		return
	}
	req.SenderID = userID

	msg, err := h.chat.CreateMessage(c.Request.Context(), req)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, msg)
}

// GetMessage 获取单条消息，仅会话成员可见
// GET /api/v1/messages/:id
func (h *ChatHandler) GetMessage(c *gin.Context) {
	msg, err := h.chat.GetMessage(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, msg)
}

// DeleteMessage 发送者删除自己的消息
// DELETE /api/v1/messages/:id
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	id := c.Param("id")
	if err := h.chat.DeleteMessage(c.Request.Context(), id, GetUserID(c)); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"messageId": id})
}

// ListMessages 会话最新消息
// GET /api/v1/conversations/:id/messages?limit=50
func (h *ChatHandler) ListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(c, "limit must be an integer")
			return
		}
		limit = n
	}

	msgs, err := h.chat.ListMessages(c.Request.Context(), c.Param("id"), GetUserID(c), limit)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"list": msgs})
}

// MarkConversationRead 把会话中别人发的消息全部标为已读
// POST /api/v1/conversations/:id/read
func (h *ChatHandler) MarkConversationRead(c *gin.Context) {
	marked, err := h.chat.MarkConversationRead(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil && len(marked) == 0 {
		Error(c, err)
		return
	}
	if marked == nil {
		marked = []string{}
	}
	Success(c, gin.H{"marked": marked})
}

// MarkRead POST /api/v1/messages/:id/read
func (h *ChatHandler) MarkRead(c *gin.Context) {
	res, err := h.chat.MarkRead(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"message": res.Message, "changed": res.Changed})
}

// MarkDelivered POST /api/v1/messages/:id/delivered
func (h *ChatHandler) MarkDelivered(c *gin.Context) {
	res, err := h.chat.MarkDelivered(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"message": res.Message, "changed": res.Changed})
}

// ToggleReaction 切换当前用户在消息上的表情
// POST /api/v1/messages/:id/reactions
func (h *ChatHandler) ToggleReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	msg, err := h.chat.ToggleReaction(c.Request.Context(), c.Param("id"), GetUserID(c), req.Emoji)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, msg)
}

// AddGroupMember 拉人进群，空群由调用者创建
// POST /api/v1/groups/:id/members
func (h *ChatHandler) AddGroupMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	members, err := h.chat.AddGroupMember(c.Request.Context(), c.Param("id"), GetUserID(c), req.UserID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"members": members})
}

// ListGroupMembers GET /api/v1/groups/:id/members
func (h *ChatHandler) ListGroupMembers(c *gin.Context) {
	members, err := h.chat.ListGroupMembers(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"members": members})
}

// UserPresence GET /api/v1/users/:id/presence
func (h *ChatHandler) UserPresence(c *gin.Context) {
	p, err := h.chat.UserPresence(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, p)
}

// OnlineUsers GET /api/v1/presence
func (h *ChatHandler) OnlineUsers(c *gin.Context) {
	Success(c, gin.H{"userIds": h.chat.OnlineUsers()})
}
