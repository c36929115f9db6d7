package domain

import "context"

// RouteQuery identifies the conversation an inbound message belongs to.
type RouteQuery struct {
	Channel   string
	AccountID string
	PeerKind  string // user | group
	PeerID    string
}

// AgentRoute is the host's routing decision for a conversation.
type AgentRoute struct {
	AgentID    string
	SessionKey string
}

// ReplyDispatch asks the host to produce a reply for Message and hand it to
// Deliver, which writes through the platform's reply channel.
type ReplyDispatch struct {
	Message InboundMessage
	Route   AgentRoute
	Deliver func(ctx context.Context, out OutboundMessage) error
}

// AgentRouter is the host capability that picks an agent for a conversation.
type AgentRouter interface {
	ResolveAgentRoute(ctx context.Context, q RouteQuery) (AgentRoute, error)
}

// ReplyDispatcher is the host capability that generates and delivers replies.
type ReplyDispatcher interface {
	DispatchReplyFromConfig(ctx context.Context, d ReplyDispatch) error
}

// HostRuntime is a host exposing both capabilities; only such a host can be
// bound for reply dispatch.
type HostRuntime interface {
	AgentRouter
	ReplyDispatcher
}
