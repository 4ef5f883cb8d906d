package nats

import (
	"encoding/json"
	"fmt"
)

// CommandKind 其他服务经总线下发的命令
type CommandKind string

const (
	CmdCreateMessage        CommandKind = "create-message"
	CmdMarkDelivered        CommandKind = "mark-delivered"
	CmdMarkRead             CommandKind = "mark-read"
	CmdMarkConversationRead CommandKind = "mark-conversation-read"
	CmdToggleReaction       CommandKind = "toggle-reaction"
	CmdDeleteMessage        CommandKind = "delete-message"
	CmdAddGroupMember       CommandKind = "add-group-member"
	CmdPushToUser           CommandKind = "push-to-user"
)

// Command 总线命令信封
type Command struct {
	Type    CommandKind     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode 把 payload 解析到 v
func (c *Command) Decode(v any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("command %s: empty payload", c.Type)
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("command %s: %w", c.Type, err)
	}
	return nil
}

// Reply 请求-应答模式下回给调用方的结果
type Reply struct {
	OK    bool   `json:"ok"`
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}
