package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/xmppgo/chatd/internal/bus"
	"github.com/xmppgo/chatd/internal/config"
	"github.com/xmppgo/chatd/internal/crypto"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/xmpp"
)

const testAccount = "alice@example.org"

type fakeSender struct {
	mu   sync.Mutex
	sent []*xmpp.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, _ string, m *xmpp.Message, ack func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	if ack != nil {
		ack(m.ID)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() *xmpp.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testDeps(t *testing.T) (*Deps, *fakeSender) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sender := &fakeSender{}
	return &Deps{
		DB:     db,
		Bus:    bus.New(),
		Crypto: crypto.NewManager(),
		Sender: sender,
		Config: config.Default(),
		Logger: zap.NewNop(),
	}, sender
}

func testConv(t *testing.T, deps *Deps, peer string, kind Kind) *Conversation {
	t.Helper()
	return newConversation(deps, testAccount, peer, kind)
}

func chatMessage(from, body string) *xmpp.Message {
	return &xmpp.Message{
		ID:   "wire-" + body,
		From: jid.MustParse(from),
		To:   jid.MustParse(testAccount),
		Type: xmpp.ChatMessage,
		Body: body,
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func expectNoEvent(t *testing.T, ch <-chan bus.Event, kind string) {
	t.Helper()
	select {
	case evt := <-ch:
		if evt.Kind == kind {
			t.Fatalf("unexpected %s event: %#v", kind, evt.Payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
