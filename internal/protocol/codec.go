package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrEmptyFrame   = errors.New("empty frame")
)

// Envelope 线上 JSON 信封，入站和出站共用
type Envelope struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeInbound 解析一条入站事件，返回具体载荷和客户端带来的 ref
func DecodeInbound(data []byte) (Inbound, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}

	var ev Inbound
	switch ParseEventKind(env.Type) {
	case EventConnect:
		ev = &Connect{}
	case EventJoinRoom:
		ev = &JoinRoom{}
	case EventLeaveRoom:
		ev = &LeaveRoom{}
	case EventRelayMessage:
		ev = &RelayMessage{}
	case EventMarkDelivered:
		ev = &MarkDelivered{}
	case EventMarkRead:
		ev = &MarkRead{}
	case EventTypingStart:
		ev = &TypingStart{}
	case EventTypingStop:
		ev = &TypingStop{}
	case EventPing:
		ev = &Ping{}
	default:
		return nil, env.Ref, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, env.Ref, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return ev, env.Ref, nil
}

// EncodeInbound 客户端侧编码
func EncodeInbound(ev Inbound, ref string) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Kind().String(), Ref: ref, Payload: payload})
}

// EncodeOutbound 编码一条出站事件，广播时只编码一次
func EncodeOutbound(ev Outbound, ref string) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.OutboundKind(), Ref: ref, Payload: payload})
}
