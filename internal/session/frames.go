package session

// Inbound command tags.
const (
	CommandJoin    = "join"
	CommandLeave   = "leave"
	CommandMessage = "message"
)

// Message kinds, shared by the inbound "message" command and the outbound
// message frame's msg_type field.
const (
	MsgTypeGroup  = "group"
	MsgTypeDirect = "direct"
)

// Outbound frame type tags.
const (
	FrameMessage  = "message"
	FramePresence = "presence"
	FrameRoom     = "room"
	FrameError    = "error"
)

// Presence and room actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
	ActionOpen  = "open"
	ActionClose = "close"
)

// MessageFrame carries a chat message to a client, for both group and
// direct traffic; the two are told apart by MsgType.
type MessageFrame struct {
	Type           string `json:"type"`
	MsgType        string `json:"msg_type"`
	Content        string `json:"content"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	MessageID      int64  `json:"message_id"`
}

// PresenceFrame tells subscribers of the presence group that a user joined
// or left a room.
type PresenceFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Room      string `json:"room"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Occupancy int    `json:"occupancy"`
}

// RoomFrame tells subscribers of the presence group that a room opened
// (first member joined) or closed (last member left).
type RoomFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Room   string `json:"room"`
}

// ErrorFrame reports a recoverable error to the originating client only.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
