package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xmppgo/chatd/internal/conn"
	"github.com/xmppgo/chatd/internal/xmpp"
)

// Stream is a low-level per-account stanza writer provided by the
// connection layer.
type Stream interface {
	WriteMessage(ctx context.Context, m *xmpp.Message) error
}

// Bridge multiplexes account streams behind the Sender interface and
// dispatches inbound stanzas to the attached Router.
type Bridge struct {
	mu       sync.RWMutex
	streams  map[string]Stream
	machines map[string]*conn.Machine
	router   Router
	logger   *zap.Logger
}

// NewBridge creates an empty bridge.
func NewBridge(logger *zap.Logger) *Bridge {
	return &Bridge{
		streams:  make(map[string]Stream),
		machines: make(map[string]*conn.Machine),
		logger:   logger,
	}
}

// AttachRouter sets the inbound stanza handler. Must be called before
// the first stream delivers a stanza.
func (b *Bridge) AttachRouter(r Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = r
}

// RegisterStream binds an account to its stream and state machine.
func (b *Bridge) RegisterStream(account string, s Stream, m *conn.Machine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[account] = s
	b.machines[account] = m
}

// Send implements Sender. It refuses with ErrNotConnected while the
// account is not online, and reports the ack once the stream accepted
// the stanza.
func (b *Bridge) Send(ctx context.Context, account string, m *xmpp.Message, ack func(id string)) error {
	b.mu.RLock()
	s := b.streams[account]
	machine := b.machines[account]
	b.mu.RUnlock()

	if s == nil || machine == nil || !machine.Online() {
		return ErrNotConnected
	}
	if err := s.WriteMessage(ctx, m); err != nil {
		return fmt.Errorf("write stanza: %w", err)
	}
	if ack != nil {
		ack(xmpp.BestID(m))
	}
	return nil
}

// Deliver routes an inbound message stanza to the engine.
func (b *Bridge) Deliver(account string, m *xmpp.Message) {
	b.mu.RLock()
	r := b.router
	b.mu.RUnlock()
	if r == nil {
		b.logger.Warn("message dropped, no router attached", zap.String("account", account))
		return
	}
	if err := r.OnMessage(account, m); err != nil {
		b.logger.Error("inbound message rejected",
			zap.String("account", account),
			zap.String("from", m.From.String()),
			zap.Error(err))
	}
}

// DeliverPresence routes an inbound presence stanza to the engine.
func (b *Bridge) DeliverPresence(account string, p *xmpp.Presence) {
	b.mu.RLock()
	r := b.router
	b.mu.RUnlock()
	if r == nil {
		return
	}
	if err := r.OnPresence(account, p); err != nil {
		b.logger.Error("inbound presence rejected",
			zap.String("account", account),
			zap.String("from", p.From.String()),
			zap.Error(err))
	}
}
