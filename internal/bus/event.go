package bus

import "time"

// Event kinds published by the chat engine. Subscribers filter by
// namespace prefix, e.g. "message." or "conn.".
const (
	KindMessagePersisted        = "message.persisted"
	KindMessageIncoming         = "message.incoming"
	KindMessageSendFailed       = "message.send_failed"
	KindConversationOpened      = "conversation.opened"
	KindConversationRemoved     = "conversation.removed"
	KindConversationJoinRequest = "conversation.join_request"
	KindNotificationShow        = "notification.show"
	KindConnUp                  = "conn.up"
	KindConnDown                = "conn.down"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef points at a persisted message within a conversation.
type MessageRef struct {
	Account   string
	Peer      string
	MessageID string
}

// SendFailure reports a message the drainer could not deliver.
type SendFailure struct {
	Account   string
	Peer      string
	MessageID string
	Reason    string
}

// JoinRequest reports an inbound private chat attempt from a room member
// whose subscription has not been accepted yet.
type JoinRequest struct {
	Account string
	Room    string
	From    string
}

// Notification asks the surface layer to alert the user about a message.
type Notification struct {
	Account   string
	Peer      string
	MessageID string
	Text      string
	Group     bool
	First     bool
}

// ConnState reports a connection transition for one account.
type ConnState struct {
	Account string
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
