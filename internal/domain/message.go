package domain

import "time"

type InboundMessage struct {
	Channel   string
	AccountID string
	ChatID    string // canonical reply address, e.g. "user:alice@ops"
	ChatType  string // single | group
	SenderID  string
	MessageID string
	Content   string
	MsgType   string // text | image | mixed | ...
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel   string
	AccountID string // optional: account that received the conversation
	ChatID    string
	Content   string
	MediaURL  string // optional: delivered as a file message
}
