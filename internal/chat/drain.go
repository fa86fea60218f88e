package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xmppgo/chatd/internal/bus"
	"github.com/xmppgo/chatd/internal/config"
	"github.com/xmppgo/chatd/internal/crypto"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/transport"
)

// Drain flushes the send queue in the background. Concurrent calls
// coalesce: a drain already in flight is asked to run one more pass
// instead of racing it.
func (c *Conversation) Drain(ctx context.Context) {
	c.mu.Lock()
	if c.draining {
		c.redrain = true
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	go func() {
		for {
			if err := c.drainOnce(ctx); err != nil {
				c.deps.Logger.Error("drain failed",
					zap.String("account", c.account),
					zap.String("peer", c.peer),
					zap.Error(err))
			}
			c.mu.Lock()
			if !c.redrain {
				c.draining = false
				c.mu.Unlock()
				return
			}
			c.redrain = false
			c.mu.Unlock()
		}
	}()
}

// drainOnce walks the pending queue in order inside one transaction.
// Any transport failure stops the pass, commits the progress made so
// far, and leaves the failed message and everything behind it queued;
// retry comes from the next reconnect or an explicit user action.
func (c *Conversation) drainOnce(ctx context.Context) error {
	if !c.canSend() {
		return nil
	}

	c.mu.Lock()
	c.pendingAcks = make(map[string]struct{})
	c.mu.Unlock()

	var failed []bus.SendFailure

	txErr := c.deps.DB.WithTx(func(tx *store.Tx) error {
		queue, err := tx.UnsentMessages(c.account, c.peer)
		if err != nil {
			return err
		}
		for i := range queue {
			m := &queue[i]
			switch err := c.sendOne(ctx, tx, m); {
			case errors.Is(err, transport.ErrNotConnected):
				// Expected on a dead stream; the reconnect drains.
				return nil
			case err != nil:
				c.deps.Logger.Warn("send halted the queue",
					zap.String("id", m.ID), zap.Error(err))
				failed = append(failed, bus.SendFailure{
					Account:   c.account,
					Peer:      c.peer,
					MessageID: m.ID,
					Reason:    err.Error(),
				})
				return nil
			}
		}
		return nil
	})

	c.mu.Lock()
	acked := c.pendingAcks
	c.pendingAcks = nil
	c.mu.Unlock()
	for id := range acked {
		if err := c.deps.DB.MarkAcknowledged(id); err != nil {
			c.deps.Logger.Error("mark acknowledged failed", zap.String("id", id), zap.Error(err))
		}
	}

	if txErr != nil {
		return txErr
	}
	for _, f := range failed {
		c.deps.Bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, f))
	}
	return nil
}

// ack flips the acknowledged flag when the transport reports delivery.
// Acks arrive asynchronously and out of order: one landing while the
// queue transaction is still open parks until commit, anything later
// goes straight to the store.
func (c *Conversation) ack(id string) {
	c.mu.Lock()
	if c.pendingAcks != nil {
		c.pendingAcks[id] = struct{}{}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.deps.DB.MarkAcknowledged(id); err != nil {
		c.deps.Logger.Error("mark acknowledged failed", zap.String("id", id), zap.Error(err))
	}
}

func (c *Conversation) sendOne(ctx context.Context, tx *store.Tx, m *store.Message) error {
	stanza, err := c.buildStanza(m)
	if err != nil {
		// A message we cannot serialize will never send; take it off
		// the queue and flag it instead of wedging the drain.
		if merr := tx.MarkSent(m.ID); merr != nil {
			return merr
		}
		if serr := tx.SetError(m.ID, fmt.Sprintf("internal: %v", err)); serr != nil {
			return serr
		}
		c.deps.Logger.Error("unsendable message dropped from queue",
			zap.String("id", m.ID), zap.Error(err))
		return nil
	}

	sentAt := c.deps.now()
	id := m.ID
	err = c.deps.Sender.Send(ctx, c.account, stanza, func(string) { c.ack(id) })
	if err != nil {
		return err
	}

	if sentAt.Sub(time.UnixMilli(m.Timestamp)) > delayThreshold {
		if err := tx.SetDelay(m.ID, sentAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.MarkSent(m.ID)
}

// canSend defers the whole queue while the security policy demands an
// encryption session that is not up yet, kicking off negotiation as a
// side effect.
func (c *Conversation) canSend() bool {
	if c.Kind() != OneToOne {
		return true
	}
	if c.deps.Config.Security.Mode != config.SecurityModeRequired {
		return true
	}
	if c.deps.Crypto.SecurityLevel(c.account, c.peer) != crypto.LevelPlain {
		return true
	}
	if err := c.deps.Crypto.StartSession(c.account, c.peer); err != nil {
		c.deps.Logger.Warn("session negotiation failed",
			zap.String("peer", c.peer), zap.Error(err))
		return false
	}
	return c.deps.Crypto.SecurityLevel(c.account, c.peer) != crypto.LevelPlain
}
