// Package push 把出站事件寻址到会话：单个会话、用户的所有会话、房间或全体在线会话。
package push

import (
	"log/slog"

	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/room"
	"sudooom.im.livechat/internal/session"
)

// Mirror 把已推送的事件同步发布到消息总线（NATS），可为 nil
type Mirror interface {
	Publish(ev protocol.Outbound)
}

type Pusher struct {
	registry *session.Registry
	rooms    *room.Tracker
	mirror   Mirror
	logger   *slog.Logger
}

func New(registry *session.Registry, rooms *room.Tracker, mirror Mirror, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{
		registry: registry,
		rooms:    rooms,
		mirror:   mirror,
		logger:   logger.With("component", "pusher"),
	}
}

func (p *Pusher) encode(ev protocol.Outbound) ([]byte, bool) {
	data, err := protocol.EncodeOutbound(ev, "")
	if err != nil {
		p.logger.Error("Failed to encode outbound event", "event", ev.OutboundKind(), "error", err)
		return nil, false
	}
	return data, true
}

func (p *Pusher) fanout(targets []*session.Session, ev protocol.Outbound) int {
	data, ok := p.encode(ev)
	if !ok {
		return 0
	}
	delivered := session.SendAll(targets, data, p.logger)
	p.record(ev, delivered, len(targets)-delivered)
	return delivered
}

func (p *Pusher) record(ev protocol.Outbound, delivered, failed int) {
	kind := ev.OutboundKind()
	metrics.Pushes.WithLabelValues(kind).Add(float64(delivered))
	if failed > 0 {
		metrics.PushFailures.WithLabelValues(kind).Add(float64(failed))
	}
}

func (p *Pusher) publish(ev protocol.Outbound) {
	if p.mirror != nil {
		p.mirror.Publish(ev)
	}
}

// ToSession 只发给一个会话（bootstrap、错误回包、pong）
func (p *Pusher) ToSession(s *session.Session, ev protocol.Outbound) error {
	data, err := protocol.EncodeOutbound(ev, "")
	if err != nil {
		return err
	}
	return p.send(s, ev, data)
}

// Reply 回包给一个会话并带上客户端的 ref
func (p *Pusher) Reply(s *session.Session, ref string, ev protocol.Outbound) error {
	data, err := protocol.EncodeOutbound(ev, ref)
	if err != nil {
		return err
	}
	return p.send(s, ev, data)
}

func (p *Pusher) send(s *session.Session, ev protocol.Outbound, data []byte) error {
	if err := s.Send(data); err != nil {
		p.record(ev, 0, 1)
		return err
	}
	p.record(ev, 1, 0)
	return nil
}

// ToAll 广播给全部在线会话
func (p *Pusher) ToAll(ev protocol.Outbound) int {
	n := p.fanout(p.registry.All(), ev)
	p.publish(ev)
	return n
}

// ToUser 发给用户的所有会话，用户不在线时返回 0
func (p *Pusher) ToUser(userID string, ev protocol.Outbound) int {
	n := p.fanout(p.registry.Resolve(userID), ev)
	p.publish(ev)
	return n
}

// ToUsers 发给多个用户，重复的用户只发一次
func (p *Pusher) ToUsers(userIDs []string, ev protocol.Outbound) int {
	seen := make(map[string]struct{}, len(userIDs))
	var targets []*session.Session
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, p.registry.Resolve(id)...)
	}
	n := p.fanout(targets, ev)
	p.publish(ev)
	return n
}

// ToRoom 发给房间成员
func (p *Pusher) ToRoom(roomID string, ev protocol.Outbound) int {
	data, ok := p.encode(ev)
	if !ok {
		return 0
	}
	n := p.rooms.Broadcast(roomID, data)
	p.record(ev, n, 0)
	p.publish(ev)
	return n
}
