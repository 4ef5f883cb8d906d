package service

import (
	"log/slog"
	"time"

	"sudooom.im.livechat/internal/delivery"
	"sudooom.im.livechat/internal/keylock"
	"sudooom.im.livechat/internal/presence"
	"sudooom.im.livechat/internal/push"
	"sudooom.im.livechat/internal/reaction"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/room"
	"sudooom.im.livechat/internal/session"
)

// Relay 进程内的实时核心：会话表、房间、在线广播和推送
type Relay struct {
	Sessions *session.Registry
	Rooms    *room.Tracker
	Pusher   *push.Pusher
	Presence *presence.Broadcaster
	Chat     *ChatService
}

type RelayOptions struct {
	// Mirror 把推送镜像到 NATS，可为 nil
	Mirror         push.Mirror
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

// NewRelay 组装核心组件。delivery、reaction 和删除共用同一把按消息的锁。
func NewRelay(store repository.Store, ids IDGenerator, opts RelayOptions) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessions := session.NewRegistry(logger)
	rooms := room.NewTracker(logger)
	pusher := push.New(sessions, rooms, opts.Mirror, logger)

	var presenceOpts []presence.Option
	if opts.PersistTimeout > 0 {
		presenceOpts = append(presenceOpts, presence.WithPersistTimeout(opts.PersistTimeout))
	}
	broadcaster := presence.NewBroadcaster(store, pusher, logger, presenceOpts...)
	sessions.SetListener(broadcaster)

	locks := keylock.New()
	machine := delivery.NewMachine(store, pusher, locks, logger)
	reactions := reaction.NewEngine(store, pusher, locks, logger)

	return &Relay{
		Sessions: sessions,
		Rooms:    rooms,
		Pusher:   pusher,
		Presence: broadcaster,
		Chat:     NewChatService(store, ids, machine, reactions, pusher, broadcaster, locks, logger),
	}
}
