package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xmppgo/chatd/internal/bus"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/xmpp"
)

// Registry owns every conversation of every account and routes inbound
// stanzas to the right one. It implements transport.Router.
type Registry struct {
	deps *Deps

	mu    sync.RWMutex
	convs map[string]map[string]*Conversation // account -> peer key -> conversation

	spam *spamGate
}

// NewRegistry creates an empty registry.
func NewRegistry(deps *Deps) *Registry {
	return &Registry{
		deps:  deps,
		convs: make(map[string]map[string]*Conversation),
		spam:  newSpamGate(deps),
	}
}

// Get returns an existing conversation, or nil.
func (r *Registry) Get(account, peer string) *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.convs[account][peer]
}

// GetOrCreate returns the conversation for the peer, creating it with
// the given kind when missing.
func (r *Registry) GetOrCreate(account, peer string, kind Kind) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(account, peer, kind)
}

func (r *Registry) getOrCreateLocked(account, peer string, kind Kind) *Conversation {
	byPeer := r.convs[account]
	if byPeer == nil {
		byPeer = make(map[string]*Conversation)
		r.convs[account] = byPeer
	}
	if c := byPeer[peer]; c != nil {
		return c
	}
	c := newConversation(r.deps, account, peer, kind)
	byPeer[peer] = c
	return c
}

// Conversations snapshots the conversations of one account.
func (r *Registry) Conversations(account string) []*Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conversation, 0, len(r.convs[account]))
	for _, c := range r.convs[account] {
		out = append(out, c)
	}
	return out
}

// Remove deletes a conversation with its history and persisted state.
func (r *Registry) Remove(account, peer string) error {
	r.mu.Lock()
	if byPeer := r.convs[account]; byPeer != nil {
		delete(byPeer, peer)
	}
	r.mu.Unlock()

	if err := r.deps.DB.ClearHistory(account, peer); err != nil {
		return err
	}
	if err := r.deps.DB.DeleteConversationMeta(account, peer); err != nil {
		return err
	}
	r.deps.Bus.Publish(bus.NewEvent(bus.KindConversationRemoved, bus.MessageRef{
		Account: account,
		Peer:    peer,
	}))
	return nil
}

// SetVisible puts one conversation on screen. At most one conversation
// per account is visible; the previous one flushes its pending reads.
// An empty peer just clears visibility.
func (r *Registry) SetVisible(account, peer string) *Conversation {
	for _, c := range r.Conversations(account) {
		if c.Peer() != peer {
			c.SetVisible(false)
		}
	}
	if peer == "" {
		return nil
	}
	c := r.GetOrCreate(account, peer, OneToOne)
	c.SetVisible(true)
	c.Open()
	return c
}

// AcceptSubscription marks a room member's private conversation as
// accepted so it can notify like a normal chat.
func (r *Registry) AcceptSubscription(account, peerFull string) {
	c := r.GetOrCreate(account, peerFull, PrivateGroupSub)
	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()
	c.Open()
}

// DiscardSubscription rejects a room member's private conversation,
// dropping it together with whatever it already wrote.
func (r *Registry) DiscardSubscription(account, peerFull string) error {
	return r.Remove(account, peerFull)
}

// JoinRoom registers a room membership and returns its conversation.
func (r *Registry) JoinRoom(account, room, nick string) (*Conversation, error) {
	if err := r.deps.DB.SaveRoom(&store.Room{Account: account, JID: room, Nick: nick}); err != nil {
		return nil, err
	}
	c := r.GetOrCreate(account, room, GroupRoom)
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
	c.Open()
	return c, nil
}

// OnMessage implements transport.Router.
func (r *Registry) OnMessage(account string, m *xmpp.Message) error {
	return r.route(account, m, false)
}

// route dispatches one inbound message. carbon marks messages unwrapped
// from a received carbon copy, which must skip the decryption transform.
func (r *Registry) route(account string, m *xmpp.Message, carbon bool) error {
	// Carbons first: the useful addressing lives on the wrapped
	// message. Only trust copies claiming to come from our own account.
	dir, inner, err := xmpp.Carbon(m)
	if err != nil {
		return err
	}
	if dir != xmpp.CarbonNone {
		if m.From.Bare().String() != account {
			r.deps.Logger.Warn("carbon from foreign sender dropped",
				zap.String("account", account),
				zap.String("from", m.From.String()))
			return nil
		}
		return r.routeCarbon(account, dir, inner)
	}

	if invite := xmpp.MUCInvite(m); invite != nil {
		return r.handleInvite(account, invite)
	}

	from := m.From
	bare := from.Bare().String()

	if m.Type == xmpp.GroupChatMessage {
		c := r.GetOrCreate(account, bare, GroupRoom)
		r.ensureRoomNick(c)
		return c.handleIncoming(m, carbon)
	}

	// A chat-typed message from a room member's full address is a
	// private conversation within the room, not a message from the
	// room itself.
	if from.Resourcepart() != "" {
		isRoom, err := r.isKnownRoom(account, bare)
		if err != nil {
			return err
		}
		if isRoom {
			c := r.Get(account, from.String())
			if c == nil {
				if m.Body == "" {
					return nil
				}
				c = r.GetOrCreate(account, from.String(), PrivateGroupSub)
				r.deps.Bus.Publish(bus.NewEvent(bus.KindConversationJoinRequest, bus.JoinRequest{
					Account: account,
					Room:    bare,
					From:    from.String(),
				}))
			}
			return c.handleIncoming(m, carbon)
		}
	}

	// Strangers pass through the spam gate before a conversation is
	// created for them; a stanza without a body never creates one.
	if r.Get(account, bare) == nil {
		if m.Body == "" {
			return nil
		}
		if m.Type != xmpp.ErrorMessage {
			pass, err := r.spam.screen(account, m)
			if err != nil {
				return err
			}
			if !pass {
				return nil
			}
		}
	}

	c := r.GetOrCreate(account, bare, OneToOne)
	return c.handleIncoming(m, carbon)
}

func (r *Registry) routeCarbon(account string, dir xmpp.CarbonDirection, inner *xmpp.Message) error {
	switch dir {
	case xmpp.CarbonSent:
		peer := inner.To.Bare().String()
		if peer == "" {
			return fmt.Errorf("sent carbon without recipient")
		}
		// Another session talked to this peer; the conversation exists
		// on this session from now on too.
		c := r.GetOrCreate(account, peer, OneToOne)
		return c.HandleSentCarbon(inner)
	case xmpp.CarbonReceived:
		// A copy of a message another session already received; route
		// it like a direct delivery, spam gate included.
		return r.route(account, inner, true)
	}
	return nil
}

func (r *Registry) handleInvite(account string, invite *xmpp.Invite) error {
	c := r.GetOrCreate(account, invite.Room, GroupRoom)
	if err := c.newAction(invite.From, ActionInvited); err != nil {
		return err
	}
	c.Open()
	r.deps.Bus.Publish(bus.NewEvent(bus.KindConversationJoinRequest, bus.JoinRequest{
		Account: account,
		Room:    invite.Room,
		From:    invite.From,
	}))
	return nil
}

func (r *Registry) isKnownRoom(account, bare string) (bool, error) {
	if c := r.Get(account, bare); c != nil && c.Kind() == GroupRoom {
		return true, nil
	}
	return r.deps.DB.HasRoom(account, bare)
}

func (r *Registry) ensureRoomNick(c *Conversation) {
	c.mu.Lock()
	known := c.nick != ""
	c.mu.Unlock()
	if known {
		return
	}
	room, err := r.deps.DB.GetRoom(c.account, c.peer)
	if err != nil || room == nil {
		return
	}
	c.mu.Lock()
	c.nick = room.Nick
	c.mu.Unlock()
}

// OnPresence implements transport.Router.
func (r *Registry) OnPresence(account string, p *xmpp.Presence) error {
	bare := p.From.Bare().String()

	// Occupant presence proves the sender is a room, whatever kind the
	// conversation was created with.
	if p.HasExtension(xmpp.NSMUCUser) {
		if c := r.Get(account, bare); c != nil {
			c.markGroupRoom()
		}
	}

	if p.Type != xmpp.UnavailablePresence {
		return nil
	}
	c := r.Get(account, bare)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.resource == p.From.Resourcepart() {
		c.resource = ""
	}
	c.mu.Unlock()
	return nil
}

// Resume rebuilds conversations from persisted state after a restart and
// reschedules every queue that still has pending messages.
func (r *Registry) Resume(ctx context.Context, accounts []string) error {
	for _, account := range accounts {
		metas, err := r.deps.DB.ListConversationMetas(account)
		if err != nil {
			return fmt.Errorf("resume %s: %w", account, err)
		}
		for i := range metas {
			meta := &metas[i]
			kind := OneToOne
			if isRoom, err := r.deps.DB.HasRoom(account, meta.Peer); err != nil {
				return err
			} else if isRoom {
				kind = GroupRoom
			}
			c := r.GetOrCreate(account, meta.Peer, kind)
			c.loadMeta(meta)
			if kind == GroupRoom {
				r.ensureRoomNick(c)
			}
		}
	}

	endpoints, err := r.deps.DB.UnsentEndpoints()
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		c := r.GetOrCreate(ep.Account, ep.Peer, OneToOne)
		c.Drain(ctx)
	}
	return nil
}

// WatchConnection reacts to connection transitions: a drop resets the
// per-stream session state of every conversation, a reconnect drains
// all pending queues.
func (r *Registry) WatchConnection(ctx context.Context) {
	ch, unsub := r.deps.Bus.Subscribe("conn.", 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				state, ok := evt.Payload.(bus.ConnState)
				if !ok {
					continue
				}
				switch evt.Kind {
				case bus.KindConnDown:
					for _, c := range r.Conversations(state.Account) {
						c.OnDisconnect()
					}
				case bus.KindConnUp:
					for _, c := range r.Conversations(state.Account) {
						c.Drain(ctx)
					}
				}
			}
		}
	}()
}
