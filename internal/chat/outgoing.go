package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/xmppgo/chatd/internal/crypto"
	"github.com/xmppgo/chatd/internal/refs"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/xmpp"
)

// Outgoing messages older than this get a delay marker so the receiver
// sees the original composition time, not the retry time.
const delayThreshold = time.Minute

// SendText queues a text message and kicks the drainer.
func (c *Conversation) SendText(text string) (*store.Message, error) {
	m, err := c.createMessage(draft{text: text})
	if err != nil || m == nil {
		return nil, err
	}
	c.Drain(c.drainCtx())
	return m, nil
}

// SendAttachments queues a file message. The message stays out of the
// send queue until every upload finishes and CompleteUpload runs.
func (c *Conversation) SendAttachments(attachments []store.Attachment) (*store.Message, error) {
	if len(attachments) == 0 {
		return nil, errors.New("no attachments")
	}
	m, err := c.createMessage(draft{
		text:        uploadPlaceholder(attachments),
		attachments: attachments,
	})
	if err != nil || m == nil {
		return nil, err
	}
	// Flag after creation; createMessage treats drafts uniformly.
	if err := c.deps.DB.WithTx(func(tx *store.Tx) error {
		got, err := tx.GetMessage(m.ID)
		if err != nil || got == nil {
			return err
		}
		got.InProgress = true
		return tx.SaveMessage(got)
	}); err != nil {
		return nil, err
	}
	m.InProgress = true
	return m, nil
}

func uploadPlaceholder(attachments []store.Attachment) string {
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Title)
	}
	return strings.Join(names, "\n")
}

// CompleteUpload records the remote URLs of a file message's uploads,
// rewrites the body to the final URL list, and queues it for sending.
// Attachments missing from the url map failed to upload and are dropped;
// a message left with no attachments at all is flagged instead of sent.
func (c *Conversation) CompleteUpload(messageID string, urls map[string]string) error {
	err := c.deps.DB.WithTx(func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("message %q not found", messageID)
		}

		var lines []string
		for _, a := range m.Attachments {
			url, ok := urls[a.ID]
			if !ok {
				if err := tx.DeleteAttachment(a.ID); err != nil {
					return err
				}
				continue
			}
			if err := tx.SetAttachmentURL(a.ID, url); err != nil {
				return err
			}
			lines = append(lines, url)
		}
		if len(lines) == 0 {
			return tx.SetError(messageID, "every upload failed")
		}
		return tx.FinishUpload(messageID, strings.Join(lines, "\n"))
	})
	if err != nil {
		return err
	}
	c.Drain(c.drainCtx())
	return nil
}

// FailUpload marks a file message as failed before it ever reached the
// send queue.
func (c *Conversation) FailUpload(messageID, reason string) error {
	return c.deps.DB.SetError(messageID, reason)
}

// Forward queues a message quoting previously stored messages, with an
// optional typed comment.
func (c *Conversation) Forward(comment string, messageIDs []string) (*store.Message, error) {
	if len(messageIDs) == 0 {
		return nil, errors.New("nothing to forward")
	}
	for _, id := range messageIDs {
		src, err := c.deps.DB.GetMessage(id)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, fmt.Errorf("forwarded message %q not found", id)
		}
	}
	m, err := c.createMessage(draft{
		text:         comment,
		forwardedIDs: messageIDs,
	})
	if err != nil || m == nil {
		return nil, err
	}
	c.Drain(c.drainCtx())
	return m, nil
}

// RemoveErrorAndResend puts a failed message back on the send queue.
func (c *Conversation) RemoveErrorAndResend(messageID string) error {
	if err := c.deps.DB.ClearError(messageID); err != nil {
		return err
	}
	c.Drain(c.drainCtx())
	return nil
}

// buildStanza turns a queued message into the wire stanza. The body and
// extensions depend on what the message carries: uploaded files become
// media references, quoted messages become forward references, plain
// text goes out as-is. One-to-one bodies are sealed when an encryption
// session is up.
func (c *Conversation) buildStanza(m *store.Message) (*xmpp.Message, error) {
	to, err := jid.Parse(c.peer)
	if err != nil {
		return nil, fmt.Errorf("peer address: %w", err)
	}

	kind := c.Kind()
	typ := xmpp.ChatMessage
	if kind == GroupRoom {
		typ = xmpp.GroupChatMessage
	}
	if kind == OneToOne {
		// An established encryption session pins its own resource;
		// otherwise the last resource the peer wrote from wins.
		res := c.deps.Crypto.SessionResource(c.account, c.peer)
		if res == "" {
			c.mu.Lock()
			res = c.resource
			c.mu.Unlock()
		}
		if res != "" {
			if full, err := to.WithResource(res); err == nil {
				to = full
			}
		}
	}

	out := &xmpp.Message{
		ID:   m.ID,
		To:   to,
		Type: typ,
	}
	c.mu.Lock()
	out.Thread = c.thread
	c.mu.Unlock()

	var body string
	var exts []xmpp.Extension
	switch {
	case len(m.Attachments) > 0:
		body, exts, err = buildMediaBody(m.Attachments)
	case len(m.ForwardedIDs) > 0:
		body, exts, err = c.buildForwardBody(m)
	default:
		body = m.Body
	}
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, errors.New("empty outgoing body")
	}

	if kind == OneToOne && len(exts) == 0 &&
		c.deps.Crypto.SecurityLevel(c.account, c.peer) != crypto.LevelPlain {
		sealed, err := c.deps.Crypto.Encrypt(c.account, c.peer, body)
		if err != nil {
			return nil, fmt.Errorf("seal body: %w", err)
		}
		body = sealed
	}
	out.Body = body

	exts = append(exts,
		xmpp.ActiveChatState(),
		xmpp.OriginIDExtension(m.ID),
		xmpp.StoreHint(),
	)
	sent := time.UnixMilli(m.Timestamp)
	if c.deps.now().Sub(sent) > delayThreshold {
		exts = append(exts, xmpp.DelayExtension(sent))
	}
	out.Extensions = exts
	return out, nil
}

func buildMediaBody(attachments []store.Attachment) (string, []xmpp.Extension, error) {
	var sb strings.Builder
	var exts []xmpp.Extension
	pos := 0
	for i, a := range attachments {
		if a.FileURL == "" {
			return "", nil, fmt.Errorf("attachment %q has no upload url", a.ID)
		}
		if i > 0 {
			sb.WriteString("\n")
			pos++
		}
		begin := pos
		sb.WriteString(a.FileURL)
		end := begin + xmpp.EscapedLen(a.FileURL) - 1
		ext, err := refs.NewMedia(begin, end, refs.Media{
			URI:       a.FileURL,
			Name:      a.Title,
			MediaType: a.MimeType,
			Size:      a.FileSize,
			Width:     a.ImageWidth,
			Height:    a.ImageHeight,
			Duration:  a.Duration,
		})
		if err != nil {
			return "", nil, err
		}
		exts = append(exts, ext)
		pos = end + 1
	}
	return sb.String(), exts, nil
}

func (c *Conversation) buildForwardBody(m *store.Message) (string, []xmpp.Extension, error) {
	var sb strings.Builder
	var exts []xmpp.Extension
	pos := 0
	for _, id := range m.ForwardedIDs {
		src, err := c.deps.DB.GetMessage(id)
		if err != nil {
			return "", nil, err
		}
		if src == nil {
			return "", nil, fmt.Errorf("forwarded message %q not found", id)
		}
		text := src.Body
		if text == "" {
			continue
		}
		begin := pos
		sb.WriteString(text)
		end := begin + xmpp.EscapedLen(text) - 1
		sb.WriteString("\n")
		pos = end + 2

		from := src.OriginalFrom
		if from == "" {
			from = src.Peer
		}
		fromJID, err := jid.Parse(from)
		if err != nil {
			return "", nil, fmt.Errorf("forwarded sender %q: %w", from, err)
		}
		inner := &xmpp.Message{
			From: fromJID,
			Type: xmpp.ChatMessage,
			Body: text,
		}
		ext, err := refs.NewForward(begin, end, time.UnixMilli(src.Timestamp), inner)
		if err != nil {
			return "", nil, err
		}
		exts = append(exts, ext)
	}
	if m.Body != "" {
		sb.WriteString(m.Body)
	}
	body := strings.TrimSuffix(sb.String(), "\n")
	return body, exts, nil
}
