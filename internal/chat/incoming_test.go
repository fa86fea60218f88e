package chat

import (
	"encoding/xml"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/xmppgo/chatd/internal/xmpp"
)

func parseStanza(t *testing.T, raw string) *xmpp.Message {
	t.Helper()
	var m xmpp.Message
	if err := xml.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	return &m
}

func TestHandleIncomingStoresMessage(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	m := chatMessage("bob@example.org/mobile", "hello alice")
	m.Thread = "th-9"
	if err := c.HandleIncoming(m); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Body != "hello alice" || !last.Incoming {
		t.Fatalf("message = %+v", last)
	}
	if last.Resource != "mobile" {
		t.Errorf("resource = %q", last.Resource)
	}
	if last.OriginalStanza == "" || last.OriginalFrom != "bob@example.org/mobile" {
		t.Errorf("original stanza not kept: %q from %q", last.OriginalStanza, last.OriginalFrom)
	}

	// The conversation adopted the peer's thread and resource.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thread != "th-9" || c.resource != "mobile" {
		t.Errorf("session state = thread %q resource %q", c.thread, c.resource)
	}
}

func TestHandleIncomingDeduplicates(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat" id="x">` +
		`<body>once</body><origin-id xmlns="urn:xmpp:sid:0" id="dup-1"/></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	msgs, err := deps.DB.ListMessages(testAccount, "bob@example.org", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 after dedupe", len(msgs))
	}
}

func TestHandleIncomingChatStateOnly(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<composing xmlns="http://jabber.org/protocol/chatstates"/></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}
	msgs, err := deps.DB.ListMessages(testAccount, "bob@example.org", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("chat state produced %d messages", len(msgs))
	}
}

func TestOfflineStorageSentinelSwallowed(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	// Legacy offline-spool artifact: consumed without a trace.
	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>while you were away</body>` +
		`<delay xmlns="urn:xmpp:delay" stamp="2024-01-10T07:00:00Z">Offline Storage</delay></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	msgs, err := deps.DB.ListMessages(testAccount, "bob@example.org", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("spool artifact persisted %d messages", len(msgs))
	}
}

func TestServerStampedDelayIsOffline(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>spooled</body>` +
		`<delay xmlns="urn:xmpp:delay" from="example.org" stamp="2024-01-10T07:00:00Z"/></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.Offline {
		t.Fatalf("server-stamped delay not flagged offline: %+v", last)
	}

	// A delay stamped by a third party is just a timestamp.
	raw = `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>relayed</body>` +
		`<delay xmlns="urn:xmpp:delay" from="other.example" stamp="2024-01-10T08:00:00Z"/></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}
	last, err = deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last.Offline {
		t.Errorf("third-party delay flagged offline: %+v", last)
	}
}

func TestErrorStanzaMarksExistingMessage(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	sent, err := c.createMessage(draft{text: "will bounce", stanzaID: "out-1"})
	if err != nil {
		t.Fatal(err)
	}

	raw := `<message from="bob@example.org" to="alice@example.org" type="error" id="out-1">` +
		`<error type="cancel"><service-unavailable xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/></error></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	got, err := deps.DB.GetMessage(sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Error || got.ErrorText == "" {
		t.Errorf("bounce not recorded: %+v", got)
	}

	// No new message entered the history.
	msgs, err := deps.DB.ListMessages(testAccount, "bob@example.org", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("history has %d messages, want 1", len(msgs))
	}
}

func TestUnencryptedLeakRecovery(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)
	if err := deps.Crypto.StartSession(testAccount, "bob@example.org"); err != nil {
		t.Fatal(err)
	}

	if err := c.HandleIncoming(chatMessage("bob@example.org/m", "oops plaintext")); err != nil {
		t.Fatal(err)
	}

	msgs, err := deps.DB.ListMessages(testAccount, "bob@example.org", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want warning action + text", len(msgs))
	}
	// Newest first.
	if msgs[0].Body != "oops plaintext" || msgs[0].Encrypted {
		t.Errorf("recovered text = %+v", msgs[0])
	}
	if msgs[1].Action != ActionUnencrypted {
		t.Errorf("warning action = %+v", msgs[1])
	}
}

func TestEncryptedRoundTripPinsResource(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)
	if err := deps.Crypto.StartSession(testAccount, "bob@example.org"); err != nil {
		t.Fatal(err)
	}
	sealed, err := deps.Crypto.Encrypt(testAccount, "bob@example.org", "secret hello")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.HandleIncoming(chatMessage("bob@example.org/tablet", sealed)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last.Body != "secret hello" || !last.Encrypted {
		t.Errorf("message = %+v", last)
	}
	if got := deps.Crypto.SessionResource(testAccount, "bob@example.org"); got != "tablet" {
		t.Errorf("pinned resource = %q", got)
	}
}

func TestForwardedIngestion(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>check this: old words</body>` +
		`<reference xmlns="urn:xmpp:reference:0" type="forward" begin="12" end="20">` +
		`<forwarded xmlns="urn:xmpp:forward:0">` +
		`<delay xmlns="urn:xmpp:delay" stamp="2024-03-03T10:00:00Z"/>` +
		`<message from="carol@example.org/w" type="chat"><body>old words</body></message>` +
		`</forwarded></reference></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil {
		t.Fatal("no parent message")
	}
	if last.Body != "check this:" {
		t.Errorf("comment = %q", last.Body)
	}
	if len(last.ForwardedIDs) != 1 {
		t.Fatalf("forward links = %v", last.ForwardedIDs)
	}

	child, err := deps.DB.GetMessage(last.ForwardedIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child == nil || child.Body != "old words" || !child.Forwarded {
		t.Fatalf("child = %+v", child)
	}
	if child.ParentID != last.ID {
		t.Errorf("child parent = %q, want %q", child.ParentID, last.ID)
	}
	if child.OriginalFrom != "carol@example.org/w" {
		t.Errorf("child origin = %q", child.OriginalFrom)
	}
}

func TestGroupAuthorReference(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>karl: relayed words</body>` +
		`<reference xmlns="urn:xmpp:reference:0" type="groupchat" begin="0" end="5">` +
		`<user id="member-3"><nickname>karl</nickname></user></reference></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last.Body != "relayed words" {
		t.Errorf("body = %q, want author prefix stripped", last.Body)
	}
	if last.GroupAuthorID != "member-3" {
		t.Errorf("author = %q", last.GroupAuthorID)
	}
}

func TestMediaReferenceBecomesAttachment(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>https://files.example.org/cat.jpg</body>` +
		`<reference xmlns="urn:xmpp:reference:0" type="media" begin="0" end="32">` +
		`<media><file><name>cat.jpg</name><media-type>image/jpeg</media-type><size>9000</size></file>` +
		`<sources><reference type="data" uri="https://files.example.org/cat.jpg"/></sources></media>` +
		`</reference></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Attachments) != 1 {
		t.Fatalf("attachments = %+v", last.Attachments)
	}
	a := last.Attachments[0]
	if a.FileURL != "https://files.example.org/cat.jpg" || !a.IsImage || a.FileSize != 9000 {
		t.Errorf("attachment = %+v", a)
	}
}

func TestRoomSubjectBecomesAction(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "room@conf.example.org", GroupRoom)

	raw := `<message from="room@conf.example.org/karl" to="alice@example.org" type="groupchat">` +
		`<subject>new topic</subject></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "room@conf.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Action != ActionSubject {
		t.Errorf("subject action = %+v", last)
	}
}

func TestRoomEchoAcknowledges(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "room@conf.example.org", GroupRoom)
	c.mu.Lock()
	c.nick = "alice"
	c.mu.Unlock()

	sent, err := c.createMessage(draft{text: "to the room", stanzaID: "room-1", sent: true})
	if err != nil {
		t.Fatal(err)
	}

	echo := &xmpp.Message{
		ID:   "room-1",
		From: jid.MustParse("room@conf.example.org/alice"),
		Type: xmpp.GroupChatMessage,
		Body: "to the room",
	}
	if err := c.HandleIncoming(echo); err != nil {
		t.Fatal(err)
	}

	got, err := deps.DB.GetMessage(sent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Acknowledged {
		t.Error("echo did not acknowledge the message")
	}
	msgs, err := deps.DB.ListMessages(testAccount, "room@conf.example.org", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("echo created a duplicate: %d messages", len(msgs))
	}
}

func TestSentCarbonRecordedAsDelivered(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	m := &xmpp.Message{
		ID:   "c-1",
		From: jid.MustParse(testAccount + "/other"),
		To:   jid.MustParse("bob@example.org"),
		Type: xmpp.ChatMessage,
		Body: "sent elsewhere",
	}
	if err := c.HandleSentCarbon(m); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Incoming || !last.Sent || !last.Acknowledged {
		t.Fatalf("carbon message = %+v", last)
	}
	if !last.Read {
		t.Error("own carbons must be born read")
	}
	if !last.Forwarded {
		t.Error("carbon record not flagged as forwarded")
	}
}

func TestSentCarbonExtractsStructure(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="alice@example.org/other" to="bob@example.org" type="chat" id="c-9">` +
		`<body>https://files.example.org/doc.pdf</body>` +
		`<reference xmlns="urn:xmpp:reference:0" type="media" begin="0" end="32">` +
		`<media><file><name>doc.pdf</name><media-type>application/pdf</media-type><size>4096</size></file>` +
		`<sources><reference type="data" uri="https://files.example.org/doc.pdf"/></sources></media>` +
		`</reference></message>`
	if err := c.HandleSentCarbon(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.Sent || !last.Forwarded {
		t.Fatalf("carbon message = %+v", last)
	}
	if len(last.Attachments) != 1 || last.Attachments[0].FileURL != "https://files.example.org/doc.pdf" {
		t.Fatalf("attachments = %+v", last.Attachments)
	}
}

func TestMarkupReferenceRewritesBody(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	raw := `<message from="bob@example.org/m" to="alice@example.org" type="chat">` +
		`<body>make this bold</body>` +
		`<reference xmlns="urn:xmpp:reference:0" type="markup" begin="10" end="13">` +
		`<bold/></reference></message>`
	if err := c.HandleIncoming(parseStanza(t, raw)); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Body != "make this bold" {
		t.Fatalf("plain body = %+v", last)
	}
	if last.MarkupBody != "make this <b>bold</b>" {
		t.Errorf("markup body = %q", last.MarkupBody)
	}
}
