package reaction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/keylock"
	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/model"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/room"
)

const maxSymbolLen = 64

type Store interface {
	LoadMessage(ctx context.Context, id string) (*model.Message, error)
	SaveMessage(ctx context.Context, m *model.Message) error
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
}

type Notifier interface {
	ToUsers(userIDs []string, ev protocol.Outbound) int
	ToRoom(roomID string, ev protocol.Outbound) int
}

// Engine 表情切换。每次调用都是一次新的切换：同一用户同一表情调用两次会回到原状态。
type Engine struct {
	store    Store
	notifier Notifier
	locks    *keylock.Locker
	now      func() time.Time
	logger   *slog.Logger
}

func NewEngine(store Store, notifier Notifier, locks *keylock.Locker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		locks:    locks,
		now:      time.Now,
		logger:   logger.With("component", "reaction"),
	}
}

func normalizeSymbol(symbol string) (string, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || len(symbol) > maxSymbolLen || !utf8.ValidString(symbol) {
		return "", apperrors.ErrInvalidSymbol
	}
	return symbol, nil
}

// checkMember 单聊只允许双方，群聊只允许群成员
func (e *Engine) checkMember(ctx context.Context, msg *model.Message, userID string) error {
	if !msg.IsParticipant(userID) {
		return apperrors.ErrNotParticipant
	}
	if msg.Kind != model.KindGroup {
		return nil
	}
	ok, err := e.store.IsGroupMember(ctx, msg.GroupID, userID)
	if err != nil {
		return apperrors.ErrStorage.Wrap(err)
	}
	if !ok {
		return apperrors.ErrNotParticipant
	}
	return nil
}

// Toggle 切换 userID 在 symbol 上的表情，持久化后返回完整消息并广播给会话成员：
// 单聊发给双方的所有会话，群聊发给群房间。持久化失败时不广播。
func (e *Engine) Toggle(ctx context.Context, messageID, userID, symbol string) (*model.Message, error) {
	symbol, err := normalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if messageID == "" || userID == "" {
		return nil, apperrors.ErrBadRequest
	}

	unlock := e.locks.Lock(messageID)
	defer unlock()

	msg, err := e.store.LoadMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrMessageNotFound.Wrap(err)
	}
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	if err := e.checkMember(ctx, msg, userID); err != nil {
		return nil, err
	}

	added := msg.ToggleReaction(userID, symbol)
	msg.UpdatedAt = e.now().UTC()
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}

	action := "removed"
	if added {
		action = "added"
	}
	metrics.ReactionToggles.WithLabelValues(action).Inc()

	ev := protocol.ReactionUpdated{Message: msg}
	switch msg.Kind {
	case model.KindGroup:
		e.notifier.ToRoom(room.ForGroup(msg.GroupID), ev)
	default:
		e.notifier.ToUsers(msg.Participants(), ev)
	}

	e.logger.Debug("Reaction toggled",
		"message_id", msg.ID,
		"user_id", userID,
		"emoji", symbol,
		"action", action)
	return msg, nil
}
