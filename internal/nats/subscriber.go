package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/workerpool"
)

// CommandHandler 处理一条总线命令，返回值作为应答的 data
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *Command) (any, error)
}

// QueueSubscriber 由 *nats.Conn 实现
type QueueSubscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
}

// CommandSubscriber 以队列组订阅命令 subject，交给 worker pool 处理
type CommandSubscriber struct {
	nc      QueueSubscriber
	subject string
	queue   string
	handler CommandHandler
	pool    *workerpool.Pool
	logger  *slog.Logger

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	subscription *nats.Subscription
}

func NewCommandSubscriber(nc QueueSubscriber, subject, queue string, handler CommandHandler, pool *workerpool.Pool, logger *slog.Logger) *CommandSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandSubscriber{
		nc:      nc,
		subject: subject,
		queue:   queue,
		handler: handler,
		pool:    pool,
		logger:  logger.With("component", "command_subscriber"),
	}
}

// Start 启动订阅
func (s *CommandSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.enqueue)
	if err != nil {
		s.cancel()
		return err
	}
	s.subscription = sub

	s.logger.Info("NATS command subscriber started",
		"subject", s.subject,
		"queue", s.queue,
		"workers", s.pool.Workers())
	return nil
}

// enqueue 运行在 NATS 回调协程里，不能阻塞
func (s *CommandSubscriber) enqueue(msg *nats.Msg) {
	ok := s.pool.TrySubmit(func() {
		s.handle(s.ctx, msg)
	})
	if !ok {
		s.logger.Warn("Command queue full, dropping command", "subject", msg.Subject)
		s.reply(msg, Reply{Code: apperrors.CodeRateLimited, Error: "command queue full"})
	}
}

func (s *CommandSubscriber) handle(ctx context.Context, msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Error("Failed to unmarshal command", "error", err)
		s.reply(msg, Reply{Code: apperrors.CodeBadRequest, Error: err.Error()})
		return
	}

	data, err := s.handler.HandleCommand(ctx, &cmd)
	if err != nil {
		s.logger.Warn("Command failed", "type", cmd.Type, "error", err)
		s.reply(msg, Reply{Code: apperrors.GetCode(err), Error: apperrors.GetMessage(err)})
		return
	}
	s.reply(msg, Reply{OK: true, Data: data})
}

func (s *CommandSubscriber) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("Failed to marshal reply", "error", err)
		return
	}
	if err := s.nc.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("Failed to send reply", "reply", msg.Reply, "error", err)
	}
}

// Stop 取消订阅并等待已入队命令处理完
func (s *CommandSubscriber) Stop() {
	s.mu.Lock()
	sub := s.subscription
	s.subscription = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", "error", err)
		}
	}
	s.pool.Shutdown()
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("NATS command subscriber stopped")
}
