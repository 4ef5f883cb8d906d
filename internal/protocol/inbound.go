package protocol

// EventKind 入站事件的封闭枚举
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventConnect
	EventJoinRoom
	EventLeaveRoom
	EventRelayMessage
	EventMarkDelivered
	EventMarkRead
	EventTypingStart
	EventTypingStop
	EventPing
)

var eventNames = [...]string{
	EventUnknown:       "unknown",
	EventConnect:       "connect",
	EventJoinRoom:      "join-room",
	EventLeaveRoom:     "leave-room",
	EventRelayMessage:  "relay-message",
	EventMarkDelivered: "mark-delivered",
	EventMarkRead:      "mark-read",
	EventTypingStart:   "typing-start",
	EventTypingStop:    "typing-stop",
	EventPing:          "ping",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return eventNames[EventUnknown]
}

// ParseEventKind 解析事件名，未知名称返回 EventUnknown
func ParseEventKind(name string) EventKind {
	for k, n := range eventNames {
		if n == name && k != int(EventUnknown) {
			return EventKind(k)
		}
	}
	return EventUnknown
}

// Inbound 入站事件载荷，每个 EventKind 对应一个具体类型
type Inbound interface {
	Kind() EventKind
}

// Connect 连接上的第一个事件，携带认证凭据
type Connect struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// RelayMessage 房间内转发，不落库
type RelayMessage struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

type MarkDelivered struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
}

type MarkRead struct {
	MessageID string `json:"messageId"`
	ViewerID  string `json:"viewerId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

type TypingStart struct {
	ReceiverID string `json:"receiverId"`
	SenderName string `json:"senderName,omitempty"`
}

type TypingStop struct {
	ReceiverID string `json:"receiverId"`
}

type Ping struct{}

func (Connect) Kind() EventKind       { return EventConnect }
func (JoinRoom) Kind() EventKind      { return EventJoinRoom }
func (LeaveRoom) Kind() EventKind     { return EventLeaveRoom }
func (RelayMessage) Kind() EventKind  { return EventRelayMessage }
func (MarkDelivered) Kind() EventKind { return EventMarkDelivered }
func (MarkRead) Kind() EventKind      { return EventMarkRead }
func (TypingStart) Kind() EventKind   { return EventTypingStart }
func (TypingStop) Kind() EventKind    { return EventTypingStop }
func (Ping) Kind() EventKind          { return EventPing }
