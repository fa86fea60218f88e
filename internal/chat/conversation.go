// Package chat implements the conversation engine: per-peer
// conversation state, ingestion of inbound messages, the outgoing send
// queue, and the registry that routes stanzas between them.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xmppgo/chatd/internal/bus"
	"github.com/xmppgo/chatd/internal/config"
	"github.com/xmppgo/chatd/internal/crypto"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/transport"
)

// Kind distinguishes the three conversation variants.
type Kind int

const (
	// OneToOne is a direct conversation with a bare peer address.
	OneToOne Kind = iota
	// GroupRoom is a multi-user room the account joined.
	GroupRoom
	// PrivateGroupSub is a private conversation with one member of a
	// room, addressed by the member's full room address.
	PrivateGroupSub
)

// Notification modes persisted per conversation.
const (
	NotifyDefault  = ""
	NotifyEnabled  = "enabled"
	NotifyDisabled = "disabled"
	NotifySnoozed  = "snooze"
)

// Actions recorded as system messages instead of content.
const (
	ActionJoined      = "joined"
	ActionLeft        = "left"
	ActionKicked      = "kicked"
	ActionSubject     = "subject"
	ActionUnencrypted = "unencrypted"
	ActionInvited     = "invited"
)

// Deps bundles everything a conversation needs to operate.
type Deps struct {
	DB     *store.DB
	Bus    *bus.Bus
	Crypto *crypto.Manager
	Sender transport.Sender
	Config *config.Config
	Logger *zap.Logger
	Clock  func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Conversation is the message-handling state machine for one peer of
// one account. All mutation goes through its mutex; the send queue and
// history live in the store.
type Conversation struct {
	deps *Deps

	account string
	peer    string

	mu sync.Mutex

	// kind is mutable: occupant presence can reveal that a peer assumed
	// to be a contact is actually a room.
	kind Kind

	// Protocol session state, reset on disconnect.
	thread        string
	resource      string
	lastMessageID string

	// User-facing state, persisted in conversation meta.
	notificationMode string
	notificationTS   int64
	archived         bool
	historyRequested bool

	lastPosition int // scroll anchor, persisted across restarts

	active   bool // shown in the conversation list
	visible  bool // currently on screen
	accepted bool // PrivateGroupSub: subscription accepted by the user
	notified bool // at least one notification was raised since open
	nick     string

	pendingRead map[string]struct{}

	draining bool
	redrain  bool

	// Non-nil while a drain transaction is open; acks landing in that
	// window park here instead of contending for the store write lock.
	pendingAcks map[string]struct{}
}

func newConversation(deps *Deps, account, peer string, kind Kind) *Conversation {
	return &Conversation{
		deps:        deps,
		account:     account,
		peer:        peer,
		kind:        kind,
		pendingRead: make(map[string]struct{}),
	}
}

// Account returns the owning account address.
func (c *Conversation) Account() string { return c.account }

// Peer returns the conversation's peer address.
func (c *Conversation) Peer() string { return c.peer }

// Kind returns the conversation variant.
func (c *Conversation) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// markGroupRoom flips the conversation to the room variant. The marker
// is sticky: a room never turns back into a direct conversation.
func (c *Conversation) markGroupRoom() {
	c.mu.Lock()
	c.kind = GroupRoom
	c.mu.Unlock()
}

// Active reports whether the conversation is shown in the list.
func (c *Conversation) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Open marks the conversation active and announces it.
func (c *Conversation) Open() {
	c.mu.Lock()
	already := c.active
	c.active = true
	c.mu.Unlock()
	if !already {
		c.deps.Bus.Publish(bus.NewEvent(bus.KindConversationOpened, bus.MessageRef{
			Account: c.account,
			Peer:    c.peer,
		}))
	}
}

// SetVisible tracks whether the conversation is on screen. Turning
// visibility off flushes the pending read set.
func (c *Conversation) SetVisible(v bool) {
	c.mu.Lock()
	c.visible = v
	var ids []string
	if !v {
		for id := range c.pendingRead {
			ids = append(ids, id)
		}
		c.pendingRead = make(map[string]struct{})
	}
	c.mu.Unlock()

	if len(ids) > 0 {
		if err := c.deps.DB.MarkRead(ids); err != nil {
			c.deps.Logger.Error("mark read failed", zap.Error(err))
		}
	}
}

// UnreadCount returns the number of unread incoming messages, not
// counting the ones already queued for read confirmation on screen.
func (c *Conversation) UnreadCount() (int, error) {
	n, err := c.deps.DB.UnreadCount(c.account, c.peer)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	n -= len(c.pendingRead)
	c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	return n, nil
}

// MarkAsReadAll flags the whole conversation read, including the
// pending set.
func (c *Conversation) MarkAsReadAll() error {
	c.mu.Lock()
	c.pendingRead = make(map[string]struct{})
	c.mu.Unlock()
	return c.deps.DB.MarkReadAll(c.account, c.peer)
}

// SetNotificationMode updates and persists the notification policy.
// For snooze, until is the wake time.
func (c *Conversation) SetNotificationMode(mode string, until time.Time) error {
	c.mu.Lock()
	c.notificationMode = mode
	c.notificationTS = 0
	if mode == NotifySnoozed {
		c.notificationTS = until.UnixMilli()
	}
	c.mu.Unlock()
	return c.saveMeta()
}

// SetLastPosition persists the reading position so a restart reopens
// the conversation where the user left it.
func (c *Conversation) SetLastPosition(pos int) error {
	c.mu.Lock()
	c.lastPosition = pos
	c.mu.Unlock()
	return c.saveMeta()
}

// LastPosition returns the persisted reading position.
func (c *Conversation) LastPosition() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPosition
}

// Archive hides the conversation until the next incoming message.
func (c *Conversation) Archive(archived bool) error {
	c.mu.Lock()
	c.archived = archived
	c.mu.Unlock()
	return c.saveMeta()
}

func (c *Conversation) saveMeta() error {
	c.mu.Lock()
	meta := &store.ConversationMeta{
		Account:          c.account,
		Peer:             c.peer,
		NotificationMode: c.notificationMode,
		NotificationTS:   c.notificationTS,
		Archived:         c.archived,
		LastPosition:     c.lastPosition,
		HistoryRequested: c.historyRequested,
	}
	c.mu.Unlock()
	return c.deps.DB.SaveConversationMeta(meta)
}

func (c *Conversation) loadMeta(meta *store.ConversationMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationMode = meta.NotificationMode
	c.notificationTS = meta.NotificationTS
	c.archived = meta.Archived
	c.lastPosition = meta.LastPosition
	c.historyRequested = meta.HistoryRequested
	c.active = true
}

// notifyAllowed applies the persisted notification policy. An expired
// snooze resets to the default mode and the reset is written back, so
// it stays expired across restarts.
func (c *Conversation) notifyAllowed() bool {
	c.mu.Lock()
	expired := false
	if c.notificationMode == NotifySnoozed && c.deps.now().UnixMilli() >= c.notificationTS {
		c.notificationMode = NotifyDefault
		c.notificationTS = 0
		expired = true
	}
	mode := c.notificationMode
	kind := c.kind
	accepted := c.accepted
	c.mu.Unlock()

	if expired {
		if err := c.saveMeta(); err != nil {
			c.deps.Logger.Error("save meta failed", zap.Error(err))
		}
	}

	// Unaccepted room-member subscriptions never alert, whatever the
	// per-conversation mode says.
	if kind == PrivateGroupSub && !accepted {
		return false
	}

	switch mode {
	case NotifyEnabled:
		return true
	case NotifyDisabled, NotifySnoozed:
		return false
	}
	if kind == GroupRoom {
		return c.deps.Config.Notifications.OnGroup
	}
	return c.deps.Config.Notifications.OnChat
}

// draft is the input to createMessage: everything known about a message
// before it becomes a durable record.
type draft struct {
	id             string
	resource       string
	text           string
	markup         string
	action         string
	incoming       bool
	notify         bool
	offline        bool
	sent           bool
	acked          bool
	encrypted      bool
	forwarded      bool
	stanzaID       string
	delay          time.Time
	timestamp      time.Time
	attachments    []store.Attachment
	forwardedIDs   []string
	parentID       string
	originalStanza string
	originalFrom   string
	groupAuthorID  string
}

// createMessage turns a draft into a durable message record, maintaining
// the conversation invariants: no empty messages, action messages never
// notify, outgoing messages never notify, the previous-id chain links
// every visible message to its predecessor, and an incoming content
// message unarchives and opens the conversation.
func (c *Conversation) createMessage(d draft) (*store.Message, error) {
	if d.action == "" && d.text == "" && len(d.attachments) == 0 && len(d.forwardedIDs) == 0 {
		return nil, nil
	}

	notify := d.notify
	if !d.incoming || d.action != "" {
		notify = false
	}
	if notify && !c.notifyAllowed() {
		notify = false
	}

	ts := d.timestamp
	if ts.IsZero() {
		ts = c.deps.now()
	}

	id := d.id
	if id == "" {
		id = uuid.New().String()
	}
	kind := c.Kind()

	m := &store.Message{
		ID:             id,
		Account:        c.account,
		Peer:           c.peer,
		Resource:       d.resource,
		Body:           d.text,
		MarkupBody:     d.markup,
		Action:         d.action,
		Timestamp:      ts.UnixMilli(),
		Incoming:       d.incoming,
		Sent:           d.sent || d.incoming, // incoming messages never queue
		Acknowledged:   d.acked,
		Offline:        d.offline,
		Encrypted:      d.encrypted,
		Forwarded:      d.forwarded,
		InGroup:        kind == GroupRoom,
		StanzaID:       d.stanzaID,
		ParentID:       d.parentID,
		OriginalStanza: d.originalStanza,
		OriginalFrom:   d.originalFrom,
		GroupAuthorID:  d.groupAuthorID,
		Attachments:    d.attachments,
		ForwardedIDs:   d.forwardedIDs,
	}
	if !d.delay.IsZero() {
		m.DelayTimestamp = d.delay.UnixMilli()
		m.Timestamp = d.delay.UnixMilli()
	}
	if d.action != "" {
		m.Read = true
	}

	c.mu.Lock()
	if d.parentID == "" {
		m.PreviousID = c.lastMessageID
		if d.stanzaID != "" {
			c.lastMessageID = d.stanzaID
		} else {
			c.lastMessageID = m.ID
		}
	}
	visible := c.visible
	first := !c.notified
	c.mu.Unlock()

	// Messages that land while the conversation is on screen are
	// queued for read confirmation instead of notifying.
	if notify && visible {
		notify = false
		c.mu.Lock()
		c.pendingRead[m.ID] = struct{}{}
		c.mu.Unlock()
	}
	m.Read = m.Read || !d.incoming

	if err := c.deps.DB.SaveMessage(m); err != nil {
		return nil, err
	}

	if d.incoming && d.action == "" && d.parentID == "" {
		c.unarchiveAndOpen()
	}
	if !d.incoming && d.action == "" && d.parentID == "" {
		// Composing a reply means everything above it has been seen.
		if err := c.MarkAsReadAll(); err != nil {
			c.deps.Logger.Error("mark read on send failed", zap.Error(err))
		}
	}

	if d.parentID == "" {
		c.deps.Bus.Publish(bus.NewEvent(bus.KindMessagePersisted, bus.MessageRef{
			Account:   c.account,
			Peer:      c.peer,
			MessageID: m.ID,
		}))
		if d.incoming {
			c.deps.Bus.Publish(bus.NewEvent(bus.KindMessageIncoming, bus.MessageRef{
				Account:   c.account,
				Peer:      c.peer,
				MessageID: m.ID,
			}))
		}
	}

	if notify {
		c.mu.Lock()
		c.notified = true
		c.mu.Unlock()
		c.deps.Bus.Publish(bus.NewEvent(bus.KindNotificationShow, bus.Notification{
			Account:   c.account,
			Peer:      c.peer,
			MessageID: m.ID,
			Text:      m.Body,
			Group:     kind == GroupRoom,
			First:     first,
		}))
	}
	return m, nil
}

func (c *Conversation) unarchiveAndOpen() {
	c.mu.Lock()
	wasArchived := c.archived
	c.archived = false
	c.mu.Unlock()
	c.Open()
	if wasArchived {
		if err := c.saveMeta(); err != nil {
			c.deps.Logger.Error("save meta failed", zap.Error(err))
		}
	}
}

// newAction records a system event in the history.
func (c *Conversation) newAction(resource, action string) error {
	_, err := c.createMessage(draft{resource: resource, action: action, incoming: true})
	return err
}

// OnDisconnect resets the protocol session state. The previous-id chain
// restarts because stanza ids from the old stream no longer apply.
func (c *Conversation) OnDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessageID = ""
	c.thread = ""
	c.resource = ""
}

// drainCtx returns a background context; drains triggered by inbound
// traffic must not inherit a stanza-scoped deadline.
func (c *Conversation) drainCtx() context.Context { return context.Background() }
