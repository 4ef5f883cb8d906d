// Package client 是 livechat 的 Go 客户端：乐观发送、与服务端确认记录对账、实时事件接入。
package client

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.livechat/internal/model"
)

// 与服务端共用的消息模型
type (
	Message    = model.Message
	Status     = model.Status
	Kind       = model.Kind
	Attachment = model.Attachment
	Reaction   = model.Reaction
)

const (
	StatusSent      = model.StatusSent
	StatusDelivered = model.StatusDelivered
	StatusRead      = model.StatusRead

	KindDirect = model.KindDirect
	KindGroup  = model.KindGroup
)

// TempIDPrefix 本地临时 ID 前缀。服务端 ID 是纯数字，不会与之冲突。
const TempIDPrefix = "tmp-"

// DefaultMatchWindow 推送与本地未确认消息按时间匹配的容差
const DefaultMatchWindow = 10 * time.Second

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Timeline 一个会话在客户端的可见消息列表，按插入顺序排列。
// 未确认的本地消息使用临时 ID；确认或推送到达后原位替换为服务端记录。
type Timeline struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries []*Message
	// aliases 临时 ID -> 服务端 ID
	aliases map[string]string
}

func NewTimeline(window time.Duration) *Timeline {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Timeline{
		window:  window,
		now:     time.Now,
		aliases: make(map[string]string),
	}
}

func (t *Timeline) indexOf(id string) int {
	for i, m := range t.entries {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) resolve(id string) string {
	if durable, ok := t.aliases[id]; ok {
		return durable
	}
	return id
}

// AddLocal 追加一条本地消息，分配临时 ID，状态为 sent
func (t *Timeline) AddLocal(draft Message) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := draft.Clone()
	m.ID = NewTempID()
	m.Status = StatusSent
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	t.entries = append(t.entries, m)
	return m.Clone()
}

// Confirm 用服务端记录替换临时消息。
// 推送先于确认到达时临时消息已被替换，此时只更新服务端记录并去掉可能的重复。
func (t *Timeline) Confirm(tempID string, confirmed *Message) bool {
	if confirmed == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.aliases[tempID] = confirmed.ID
	tempIdx := t.indexOf(tempID)
	durableIdx := t.indexOf(confirmed.ID)

	switch {
	case tempIdx >= 0 && durableIdx >= 0:
		t.entries[durableIdx] = confirmed.Clone()
		t.removeAt(tempIdx)
	case tempIdx >= 0:
		t.entries[tempIdx] = confirmed.Clone()
	case durableIdx >= 0:
		t.entries[durableIdx] = confirmed.Clone()
	default:
		// 已被 Discard
		delete(t.aliases, tempID)
		return false
	}
	return true
}

// Discard 发送失败时移除本地消息
func (t *Timeline) Discard(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(tempID)
	if idx < 0 {
		return false
	}
	t.removeAt(idx)
	return true
}

// Remove 删除服务端已删除的消息，临时 ID 也可以
func (t *Timeline) Remove(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.resolve(messageID)
	idx := t.indexOf(id)
	if idx < 0 {
		return false
	}
	t.removeAt(idx)
	for temp, durable := range t.aliases {
		if durable == id {
			delete(t.aliases, temp)
		}
	}
	return true
}

func (t *Timeline) removeAt(idx int) {
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
}

// Apply 合并一条推送来的服务端记录，返回 true 表示新增了可见条目。
// 已有同 ID 的条目原位更新；否则尝试匹配内容、发送者相同且时间接近的未确认本地消息。
func (t *Timeline) Apply(m *Message) bool {
	if m == nil || m.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx := t.indexOf(m.ID); idx >= 0 {
		t.entries[idx] = m.Clone()
		return false
	}
	if idx := t.matchPending(m); idx >= 0 {
		t.aliases[t.entries[idx].ID] = m.ID
		t.entries[idx] = m.Clone()
		return false
	}
	t.entries = append(t.entries, m.Clone())
	return true
}

func (t *Timeline) matchPending(m *Message) int {
	best, bestDiff := -1, t.window+1
	for i, e := range t.entries {
		if !IsTempID(e.ID) || e.SenderID != m.SenderID || e.Content != m.Content {
			continue
		}
		diff := e.CreatedAt.Sub(m.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff <= t.window && diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

// Replace 整条替换已有消息，用于乐观修改和回滚；id 可以是临时 ID
func (t *Timeline) Replace(m *Message) bool {
	if m == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(t.resolve(m.ID))
	if idx < 0 {
		return false
	}
	t.entries[idx] = m.Clone()
	return true
}

// UpdateStatus 只接受前进的状态变化
func (t *Timeline) UpdateStatus(messageID string, status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(t.resolve(messageID))
	if idx < 0 || !t.entries[idx].Status.Before(status) {
		return false
	}
	t.entries[idx].Status = status
	return true
}

// Get 按 ID 查找，临时 ID 在确认后仍可用
func (t *Timeline) Get(id string) (*Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(t.resolve(id))
	if idx < 0 {
		return nil, false
	}
	return t.entries[idx].Clone(), true
}

// Messages 返回可见消息的副本
func (t *Timeline) Messages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = m.Clone()
	}
	return out
}

// Unread viewer 需要标记已读的服务端消息：非本人发送且未读。
// 群消息按 readBy 判断，别人读过不代表 viewer 读过。
func (t *Timeline) Unread(viewerID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for _, m := range t.entries {
		if IsTempID(m.ID) || m.SenderID == viewerID {
			continue
		}
		if m.Kind == KindGroup && m.HasReader(viewerID) {
			continue
		}
		if m.Kind != KindGroup && m.Status == StatusRead {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// HandleEvent 把实时事件合并进时间线，与本时间线无关的事件直接忽略
func (t *Timeline) HandleEvent(ev Event) error {
	switch ev.Type {
	case EventMessageCreated:
		var p MessageCreated
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.Apply(p.Message)
	case EventReactionUpdated:
		var p ReactionUpdated
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.Apply(p.Message)
	case EventDeliveryStatusChanged:
		var p DeliveryStatusChanged
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.UpdateStatus(p.MessageID, p.Status)
	case EventGroupMessageRead:
		var p GroupMessageRead
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.markGroupRead(p.MessageID, p.UserID, p.Status)
	case EventMessageDeleted:
		var p MessageDeleted
		if err := ev.Decode(&p); err != nil {
			return err
		}
		t.Remove(p.MessageID)
	}
	return nil
}

func (t *Timeline) markGroupRead(messageID, userID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(t.resolve(messageID))
	if idx < 0 {
		return
	}
	m := t.entries[idx]
	m.AddReader(userID)
	if m.Status.Before(status) {
		m.Status = status
	}
}

// Bind 把时间线挂到实时连接上，需在 Connect 之前调用
func (t *Timeline) Bind(rt *Realtime) {
	h := func(ev Event) {
		if err := t.HandleEvent(ev); err != nil {
			rt.logger.Warn("Failed to apply realtime event", "type", ev.Type, "error", err)
		}
	}
	for _, typ := range []string{
		EventMessageCreated,
		EventReactionUpdated,
		EventDeliveryStatusChanged,
		EventGroupMessageRead,
		EventMessageDeleted,
	} {
		rt.On(typ, h)
	}
}
