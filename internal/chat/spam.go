package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/xmppgo/chatd/internal/config"
	"github.com/xmppgo/chatd/internal/transport"
	"github.com/xmppgo/chatd/internal/xmpp"
)

const spamMaxAttempts = 3

// spamGate screens first contact from addresses outside the roster.
// Depending on policy it lets them through, drops them, or runs a small
// arithmetic challenge before any conversation is created.
type spamGate struct {
	deps *Deps

	mu         sync.Mutex
	challenges map[string]*challenge
	blocked    map[string]struct{}
	passed     map[string]struct{}
}

type challenge struct {
	answer   int
	attempts int
}

func newSpamGate(deps *Deps) *spamGate {
	return &spamGate{
		deps:       deps,
		challenges: make(map[string]*challenge),
		blocked:    make(map[string]struct{}),
		passed:     make(map[string]struct{}),
	}
}

// screen decides whether a stranger's message may reach the engine.
// The challenge dialogue itself is consumed here and never recorded.
func (g *spamGate) screen(account string, m *xmpp.Message) (bool, error) {
	bare := m.From.Bare().String()
	key := account + "|" + bare

	contact, err := g.deps.DB.IsContact(account, bare)
	if err != nil {
		return false, err
	}
	if contact {
		return true, nil
	}

	mode := g.deps.Config.Spam.Mode
	if mode == "" || mode == config.SpamModeDisabled {
		return true, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.passed[key]; ok {
		return true, nil
	}
	if _, ok := g.blocked[key]; ok {
		return false, nil
	}
	if mode == config.SpamModeBlock {
		g.deps.Logger.Info("stranger message dropped",
			zap.String("account", account),
			zap.String("from", bare))
		return false, nil
	}

	ch := g.challenges[key]
	if ch == nil {
		a, b := rand.Intn(9)+1, rand.Intn(9)+1
		ch = &challenge{answer: a + b}
		g.challenges[key] = ch
		g.reply(account, m.From.Bare().String(), fmt.Sprintf(
			"%s does not accept messages from strangers. To get through, reply with the answer to: %d + %d",
			account, a, b))
		return false, nil
	}

	guess, err := strconv.Atoi(strings.TrimSpace(m.Body))
	if err == nil && guess == ch.answer {
		delete(g.challenges, key)
		g.passed[key] = struct{}{}
		g.reply(account, bare, "Thank you. Your messages will be delivered from now on.")
		return false, nil
	}

	ch.attempts++
	if ch.attempts >= spamMaxAttempts {
		delete(g.challenges, key)
		g.blocked[key] = struct{}{}
		g.deps.Logger.Info("stranger blocked after failed challenge",
			zap.String("account", account),
			zap.String("from", bare))
		return false, nil
	}
	g.reply(account, bare, "Wrong answer, try again.")
	return false, nil
}

// reply sends a service message outside any conversation. It is exempt
// from carbons so other sessions never see the challenge dialogue.
func (g *spamGate) reply(account, to, text string) {
	peer, err := jid.Parse(to)
	if err != nil {
		g.deps.Logger.Error("bad challenge recipient", zap.String("to", to), zap.Error(err))
		return
	}
	msg := &xmpp.Message{
		To:         peer,
		Type:       xmpp.ChatMessage,
		Body:       text,
		Extensions: []xmpp.Extension{xmpp.CarbonPrivate()},
	}
	err = g.deps.Sender.Send(context.Background(), account, msg, nil)
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		g.deps.Logger.Error("challenge reply failed", zap.String("to", to), zap.Error(err))
	}
}
