package nats

import (
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.livechat/internal/protocol"
)

// HeaderNode 标记事件来源节点
const HeaderNode = "Livechat-Node"

// Publisher 由 *nats.Conn 实现
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// EventPublisher 把推送给会话的出站事件镜像到 <prefix>.<event>，供其他服务订阅
type EventPublisher struct {
	nc     Publisher
	prefix string
	nodeID string
	logger *slog.Logger
}

func NewEventPublisher(nc Publisher, prefix, nodeID string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		nc:     nc,
		prefix: prefix,
		nodeID: nodeID,
		logger: logger.With("component", "event_publisher"),
	}
}

// Subject 返回事件对应的 subject
func (p *EventPublisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// Publish 发布失败只记录日志，不影响本地推送
func (p *EventPublisher) Publish(ev protocol.Outbound) {
	data, err := protocol.EncodeOutbound(ev, "")
	if err != nil {
		p.logger.Error("Failed to encode event", "event", ev.OutboundKind(), "error", err)
		return
	}

	subject := p.Subject(ev.OutboundKind())
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderNode, p.nodeID)
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
		return
	}
	p.logger.Debug("Published event", "subject", subject)
}
