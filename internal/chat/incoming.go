package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xmppgo/chatd/internal/crypto"
	"github.com/xmppgo/chatd/internal/refs"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/xmpp"
)

// Servers flag archive replay with this delay reason.
const offlineStorageReason = "Offline Storage"

// HandleIncoming ingests one inbound message stanza addressed to this
// conversation. Stanzas that carry nothing worth recording (chat states,
// duplicate deliveries, room echoes) are dropped silently.
func (c *Conversation) HandleIncoming(m *xmpp.Message) error {
	return c.handleIncoming(m, false)
}

// handleIncoming is the carbon-aware form. Carbon copies skip the
// decryption transform: the envelope was sealed for another session and
// cannot be opened here, only flagged.
func (c *Conversation) handleIncoming(m *xmpp.Message, carbon bool) error {
	if m.Type == xmpp.ErrorMessage {
		// A bounce refers to a message we already hold; record the
		// failure on it instead of creating a new entry.
		return c.deps.DB.SetErrorByStanzaID(c.account, c.peer, xmpp.BestID(m), xmpp.ErrorText(m))
	}
	if c.Kind() == GroupRoom {
		return c.handleRoomMessage(m)
	}

	resource := m.From.Resourcepart()

	delay, offline, artifact := c.delayOf(m)
	if artifact {
		return nil
	}

	c.mu.Lock()
	if m.Thread != "" {
		c.thread = m.Thread
	}
	if resource != "" && m.Type == xmpp.ChatMessage {
		c.resource = resource
	}
	c.mu.Unlock()

	body := m.Body
	encrypted := false
	switch {
	case body == "":
	case carbon:
		encrypted = crypto.IsEncrypted(body)
	default:
		plain, enc, err := c.deps.Crypto.Decrypt(c.account, c.peer, body)
		var unenc *crypto.UnencryptedError
		switch {
		case errors.As(err, &unenc):
			// The peer stepped outside the encrypted channel. Record
			// the breach, then keep the raw text so nothing is lost.
			if aerr := c.newAction(resource, ActionUnencrypted); aerr != nil {
				return aerr
			}
			body = unenc.Text
		case err != nil:
			return fmt.Errorf("decrypt from %s: %w", c.peer, err)
		default:
			body = plain
			encrypted = enc
			if enc {
				c.deps.Crypto.PinResource(c.account, c.peer, resource)
			}
		}
	}

	rs, err := refs.Decode(m.Extensions)
	if err != nil {
		return fmt.Errorf("references from %s: %w", c.peer, err)
	}

	groupAuthorID := ""
	if a := refs.Author(rs); a != nil {
		groupAuthorID = a.ID
		body = refs.StripAuthorPrefix(body, rs)
	}

	stanzaID := xmpp.BestID(m)
	if dup, err := c.deps.DB.HasMessageWithStanzaID(c.account, c.peer, stanzaID); err != nil {
		return err
	} else if dup {
		return nil
	}

	parentID := uuid.New().String()
	var childIDs []string
	for _, f := range refs.Forwards(rs) {
		child, err := c.ingestForwarded(parentID, f)
		if err != nil {
			return err
		}
		if child != nil {
			childIDs = append(childIDs, child.ID)
		}
	}
	if len(childIDs) > 0 {
		// Only the user-typed comment stays in the body; the quoted
		// content lives in the child records.
		body = refs.Comment(body, rs)
	}

	attachments := mediaAttachments(rs)

	var markup string
	body, markup = refs.RewriteBody(body, rs)

	if body == "" && len(attachments) == 0 && len(childIDs) == 0 {
		return nil
	}

	original, err := xmpp.Marshal(m)
	if err != nil {
		c.deps.Logger.Warn("keep original stanza failed", zap.Error(err))
		original = ""
	}

	_, err = c.createMessage(draft{
		id:             parentID,
		resource:       resource,
		text:           body,
		markup:         markup,
		incoming:       true,
		notify:         true,
		offline:        offline,
		encrypted:      encrypted,
		stanzaID:       stanzaID,
		delay:          delay,
		attachments:    attachments,
		forwardedIDs:   childIDs,
		originalStanza: original,
		originalFrom:   m.From.String(),
		groupAuthorID:  groupAuthorID,
	})
	return err
}

// delayOf classifies the delay stamp. A delay stamped by the account's
// own server marks the message as spooled while we were offline; the
// legacy "Offline Storage" reason marks a transport artifact that must
// not be recorded at all.
func (c *Conversation) delayOf(m *xmpp.Message) (stamp time.Time, offline, artifact bool) {
	d := xmpp.DelayOf(m.Extensions)
	if d == nil {
		return time.Time{}, false, false
	}
	if d.Reason == offlineStorageReason {
		return d.Stamp, false, true
	}
	if d.From != "" {
		if at := strings.LastIndex(c.account, "@"); at >= 0 && d.From == c.account[at+1:] {
			offline = true
		}
	}
	return d.Stamp, offline, false
}

// ingestForwarded stores one quoted message as a child record of the
// message being built. Child records never notify and stay out of the
// previous-id chain.
func (c *Conversation) ingestForwarded(parentID string, f refs.Forwarded) (*store.Message, error) {
	inner := &f.Message
	if inner.Body == "" {
		return nil, nil
	}
	incoming := inner.From.Bare().String() != c.account
	return c.createMessage(draft{
		id:           uuid.New().String(),
		resource:     inner.From.Resourcepart(),
		text:         inner.Body,
		incoming:     incoming,
		forwarded:    true,
		stanzaID:     xmpp.BestID(inner),
		timestamp:    f.Stamp,
		parentID:     parentID,
		originalFrom: inner.From.String(),
	})
}

func (c *Conversation) handleRoomMessage(m *xmpp.Message) error {
	nick := m.From.Resourcepart()

	if m.Subject != "" && m.Body == "" {
		return c.newAction(nick, ActionSubject)
	}

	c.mu.Lock()
	own := c.nick != "" && nick == c.nick
	c.mu.Unlock()
	if own {
		// Our own message reflected by the room confirms delivery.
		return c.deps.DB.AcknowledgeByStanzaID(c.account, c.peer, xmpp.BestID(m))
	}
	if m.Body == "" {
		return nil
	}

	delay, offline, artifact := c.delayOf(m)
	if artifact {
		return nil
	}

	stanzaID := xmpp.BestID(m)
	if dup, err := c.deps.DB.HasMessageWithStanzaID(c.account, c.peer, stanzaID); err != nil {
		return err
	} else if dup {
		return nil
	}

	rs, err := refs.Decode(m.Extensions)
	if err != nil {
		return fmt.Errorf("references from %s: %w", c.peer, err)
	}
	body, markup := refs.RewriteBody(m.Body, rs)

	original, err := xmpp.Marshal(m)
	if err != nil {
		original = ""
	}

	_, err = c.createMessage(draft{
		resource:       nick,
		text:           body,
		markup:         markup,
		incoming:       true,
		notify:         true,
		offline:        offline,
		stanzaID:       stanzaID,
		delay:          delay,
		attachments:    mediaAttachments(rs),
		originalStanza: original,
		originalFrom:   m.From.String(),
	})
	return err
}

// HandleSentCarbon records a message sent by another session of this
// account as an already delivered outgoing message. The payload goes
// through the same forward, attachment, and markup extraction as
// inbound messages so structured content keeps its shape.
func (c *Conversation) HandleSentCarbon(m *xmpp.Message) error {
	stanzaID := xmpp.BestID(m)
	if dup, err := c.deps.DB.HasMessageWithStanzaID(c.account, c.peer, stanzaID); err != nil {
		return err
	} else if dup {
		return nil
	}

	rs, err := refs.Decode(m.Extensions)
	if err != nil {
		return fmt.Errorf("references from carbon: %w", err)
	}

	parentID := uuid.New().String()
	var childIDs []string
	for _, f := range refs.Forwards(rs) {
		child, err := c.ingestForwarded(parentID, f)
		if err != nil {
			return err
		}
		if child != nil {
			childIDs = append(childIDs, child.ID)
		}
	}
	body := m.Body
	if len(childIDs) > 0 {
		body = refs.Comment(body, rs)
	}
	attachments := mediaAttachments(rs)
	body, markup := refs.RewriteBody(body, rs)

	if body == "" && len(attachments) == 0 && len(childIDs) == 0 {
		return nil
	}

	var delay time.Time
	if d := xmpp.DelayOf(m.Extensions); d != nil {
		delay = d.Stamp
	}

	_, err = c.createMessage(draft{
		id:           parentID,
		text:         body,
		markup:       markup,
		sent:         true,
		acked:        true,
		forwarded:    true,
		stanzaID:     stanzaID,
		delay:        delay,
		attachments:  attachments,
		forwardedIDs: childIDs,
	})
	return err
}

func mediaAttachments(rs []refs.Reference) []store.Attachment {
	var out []store.Attachment
	for _, md := range refs.Medias(rs) {
		out = append(out, store.Attachment{
			ID:          uuid.New().String(),
			FileURL:     md.URI,
			Title:       md.Name,
			MimeType:    md.MediaType,
			FileSize:    md.Size,
			IsImage:     strings.HasPrefix(md.MediaType, "image/"),
			ImageWidth:  md.Width,
			ImageHeight: md.Height,
			Duration:    md.Duration,
		})
	}
	return out
}
