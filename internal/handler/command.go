package handler

import (
	"context"
	"encoding/json"

	apperrors "sudooom.im.livechat/internal/errors"
	imNats "sudooom.im.livechat/internal/nats"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/service"
)

type messageCommand struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type conversationCommand struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type reactionCommand struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// memberCommand ActorID 为空时以系统身份加入，不检查拉人者
type memberCommand struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	ActorID string `json:"actorId"`
}

// pushCommand 把任意出站事件原样推给用户
type pushCommand struct {
	UserID  string          `json:"userId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// rawOutbound 已编码的出站载荷
type rawOutbound struct {
	kind    string
	payload json.RawMessage
}

func (r rawOutbound) OutboundKind() string { return r.kind }

func (r rawOutbound) MarshalJSON() ([]byte, error) {
	if len(r.payload) == 0 {
		return []byte("{}"), nil
	}
	return r.payload, nil
}

// CommandHandler 处理其他服务经 NATS 下发的命令
type CommandHandler struct {
	chat *service.ChatService
}

func NewCommandHandler(chat *service.ChatService) *CommandHandler {
	return &CommandHandler{chat: chat}
}

var _ imNats.CommandHandler = (*CommandHandler)(nil)

func (h *CommandHandler) HandleCommand(ctx context.Context, cmd *imNats.Command) (any, error) {
	switch cmd.Type {
	case imNats.CmdCreateMessage:
		var req service.CreateMessageRequest
		if err := cmd.Decode(&req); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		return h.chat.CreateMessage(ctx, req)

	case imNats.CmdMarkDelivered, imNats.CmdMarkRead:
		var p messageCommand
		if err := cmd.Decode(&p); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		if cmd.Type == imNats.CmdMarkDelivered {
			res, err := h.chat.MarkDelivered(ctx, p.MessageID, p.UserID)
			if err != nil {
				return nil, err
			}
			return res.Message, nil
		}
		res, err := h.chat.MarkRead(ctx, p.MessageID, p.UserID)
		if err != nil {
			return nil, err
		}
		return res.Message, nil

	case imNats.CmdMarkConversationRead:
		var p conversationCommand
		if err := cmd.Decode(&p); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		marked, err := h.chat.MarkConversationRead(ctx, p.ConversationID, p.UserID)
		return map[string]any{"marked": marked}, err

	case imNats.CmdToggleReaction:
		var p reactionCommand
		if err := cmd.Decode(&p); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		return h.chat.ToggleReaction(ctx, p.MessageID, p.UserID, p.Emoji)

	case imNats.CmdDeleteMessage:
		var p messageCommand
		if err := cmd.Decode(&p); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		if err := h.chat.DeleteMessage(ctx, p.MessageID, p.UserID); err != nil {
			return nil, err
		}
		return map[string]string{"messageId": p.MessageID}, nil

	case imNats.CmdAddGroupMember:
		var p memberCommand
		if err := cmd.Decode(&p); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		members, err := h.chat.AddGroupMember(ctx, p.GroupID, p.ActorID, p.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"members": members}, nil

	case imNats.CmdPushToUser:
		var p pushCommand
		if err := cmd.Decode(&p); err != nil {
			return nil, apperrors.ErrBadRequest.Wrap(err)
		}
		if p.UserID == "" || p.Type == "" {
			return nil, apperrors.ErrBadRequest
		}
		n := h.chat.PushToUser(p.UserID, rawOutbound{kind: p.Type, payload: p.Payload})
		return map[string]int{"sessions": n}, nil

	default:
		return nil, apperrors.ErrUnknownEvent
	}
}

var _ protocol.Outbound = rawOutbound{}
