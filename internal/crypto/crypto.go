// Package crypto manages end-to-end encryption sessions for one-to-one
// conversations. Messages travel in an ASCII-armored envelope; a session
// must be established with the peer before the envelope can be opened.
package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const envelopePrefix = "?OTR:"

// Level is the security level of a conversation.
type Level int

const (
	LevelPlain Level = iota
	LevelEncrypted
	LevelVerified
)

func (l Level) String() string {
	switch l {
	case LevelEncrypted:
		return "encrypted"
	case LevelVerified:
		return "verified"
	default:
		return "plain"
	}
}

// UnencryptedError reports a message that arrived outside the encrypted
// channel of an established session. Text carries the raw payload so the
// caller can still surface it.
type UnencryptedError struct {
	Text string
}

func (e *UnencryptedError) Error() string { return "message was not encrypted" }

// Session is an established encryption session with one peer.
type Session struct {
	Account  string
	Peer     string
	Resource string
	Verified bool
}

// Manager tracks encryption sessions across accounts. Sessions are keyed
// by account and bare peer address.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func key(account, peer string) string { return account + "|" + peer }

// IsEncrypted reports whether text is an ASCII-armored envelope.
func IsEncrypted(text string) bool {
	return strings.HasPrefix(text, envelopePrefix)
}

// StartSession establishes an encryption session with a peer.
func (m *Manager) StartSession(account, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(account, peer)
	if _, ok := m.sessions[k]; ok {
		return nil
	}
	m.sessions[k] = &Session{Account: account, Peer: peer}
	return nil
}

// EndSession tears down the session with a peer, if any.
func (m *Manager) EndSession(account, peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key(account, peer))
}

// SecurityLevel returns the current level of the conversation.
func (m *Manager) SecurityLevel(account, peer string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[key(account, peer)]
	switch {
	case s == nil:
		return LevelPlain
	case s.Verified:
		return LevelVerified
	default:
		return LevelEncrypted
	}
}

// PinResource binds the session to the peer resource it was negotiated
// with. Messages from other resources of the same peer stay plaintext.
func (m *Manager) PinResource(account, peer, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[key(account, peer)]; s != nil {
		s.Resource = resource
	}
}

// SessionResource returns the pinned resource, or the empty string.
func (m *Manager) SessionResource(account, peer string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.sessions[key(account, peer)]; s != nil {
		return s.Resource
	}
	return ""
}

// Verify marks the peer's key as verified out of band.
func (m *Manager) Verify(account, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[key(account, peer)]
	if s == nil {
		return errors.New("no session")
	}
	s.Verified = true
	return nil
}

// Encrypt seals a message body for the peer. It fails when no session is
// established.
func (m *Manager) Encrypt(account, peer, body string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sessions[key(account, peer)] == nil {
		return "", errors.New("no encrypted session")
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString([]byte(body)) + ".", nil
}

// Decrypt opens an incoming message body. The second return reports
// whether the message actually traveled encrypted. A plaintext body
// inside an established session, or an envelope without a session,
// yields an UnencryptedError carrying the raw text.
func (m *Manager) Decrypt(account, peer, body string) (string, bool, error) {
	m.mu.RLock()
	s := m.sessions[key(account, peer)]
	m.mu.RUnlock()

	if !strings.HasPrefix(body, envelopePrefix) {
		if s != nil {
			return "", false, &UnencryptedError{Text: body}
		}
		return body, false, nil
	}
	if s == nil {
		return "", false, &UnencryptedError{Text: body}
	}

	payload := strings.TrimSuffix(strings.TrimPrefix(body, envelopePrefix), ".")
	plain, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", false, fmt.Errorf("open envelope: %w", err)
	}
	return string(plain), true, nil
}
