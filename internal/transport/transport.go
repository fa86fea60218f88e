// Package transport is the seam between the chat engine and the
// protocol stream. The engine hands fully built stanzas to a Sender and
// receives parsed stanzas through a Router.
package transport

import (
	"context"
	"errors"

	"github.com/xmppgo/chatd/internal/xmpp"
)

// ErrNotConnected is returned by a Sender while the account stream is
// down. The send queue drainer treats it as a signal to stop and retry
// after reconnect, not as a message failure.
var ErrNotConnected = errors.New("stream not connected")

// Sender delivers stanzas for one account.
type Sender interface {
	// Send writes a message stanza to the stream. The ack callback runs
	// after the server accepts the stanza; id is the engine message id
	// the stanza was built from.
	Send(ctx context.Context, account string, m *xmpp.Message, ack func(id string)) error
}

// Router receives inbound stanzas dispatched by the connection layer.
type Router interface {
	// OnMessage handles a message stanza addressed to the account.
	OnMessage(account string, m *xmpp.Message) error
	// OnPresence handles a presence stanza addressed to the account.
	OnPresence(account string, p *xmpp.Presence) error
}
