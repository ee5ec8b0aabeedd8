package realtime

import "time"

// Inbound frame types.
const (
	TypePing           = "ping"
	TypeGetOnlineCount = "get_online_count"
)

// Outbound frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
	TypeOnlineCount           = "online_count"
	TypeUpdate                = "update"
	TypeChatMessage           = "chat_message"
)

// Action is what happened to an entity in an update frame.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

type inboundFrame struct {
	Type string `json:"type"`
}

type connectionEstablishedFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type onlineCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// EntityRef is the only data an update frame carries; clients re-fetch
// the record through the authenticated API.
type EntityRef struct {
	ID int64 `json:"id"`
}

type updateFrame struct {
	Type   string    `json:"type"`
	Entity string    `json:"entity"`
	Action Action    `json:"action"`
	Data   EntityRef `json:"data"`
}

// MessageMeta announces a new chat message without any of its content.
type MessageMeta struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

type chatMessageFrame struct {
	Type           string      `json:"type"`
	ConversationID int64       `json:"conversation_id"`
	Message        MessageMeta `json:"message"`
}
