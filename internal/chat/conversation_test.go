package chat

import (
	"testing"
	"time"

	"github.com/xmppgo/chatd/internal/bus"
	"github.com/xmppgo/chatd/internal/store"
)

func TestCreateMessageRejectsEmpty(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	m, err := c.createMessage(draft{incoming: true, notify: true})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("empty draft produced a message: %+v", m)
	}
}

func TestActionMessagesAreReadAndSilent(t *testing.T) {
	deps, _ := testDeps(t)
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if err := c.newAction("mobile", ActionUnencrypted); err != nil {
		t.Fatal(err)
	}

	last, err := deps.DB.LastMessage(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.Action != ActionUnencrypted {
		t.Fatalf("action not recorded: %+v", last)
	}
	if !last.Read {
		t.Error("action messages must be born read")
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)
}

func TestPreviousIDChain(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	m1, err := c.createMessage(draft{incoming: true, notify: true, text: "one", stanzaID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	m2, err := c.createMessage(draft{incoming: true, notify: true, text: "two"})
	if err != nil {
		t.Fatal(err)
	}
	m3, err := c.createMessage(draft{incoming: true, notify: true, text: "three"})
	if err != nil {
		t.Fatal(err)
	}

	if m1.PreviousID != "" {
		t.Errorf("first message previous = %q, want empty", m1.PreviousID)
	}
	// The chain prefers the stable stanza id over the local id.
	if m2.PreviousID != "s1" {
		t.Errorf("second message previous = %q, want s1", m2.PreviousID)
	}
	if m3.PreviousID != m2.ID {
		t.Errorf("third message previous = %q, want %q", m3.PreviousID, m2.ID)
	}
}

func TestChainResetsOnDisconnect(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "one", stanzaID: "s1"}); err != nil {
		t.Fatal(err)
	}
	c.OnDisconnect()
	m, err := c.createMessage(draft{incoming: true, notify: true, text: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if m.PreviousID != "" {
		t.Errorf("previous = %q after disconnect, want empty", m.PreviousID)
	}
}

func TestIncomingNotifiesAndOpens(t *testing.T) {
	deps, _ := testDeps(t)
	notifCh, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	convCh, unsub2 := deps.Bus.Subscribe("conversation.", 10)
	defer unsub2()

	c := testConv(t, deps, "bob@example.org", OneToOne)
	if c.Active() {
		t.Fatal("conversation should start inactive")
	}

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "hi"}); err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, notifCh, bus.KindNotificationShow)
	n := evt.Payload.(bus.Notification)
	if n.Text != "hi" || !n.First {
		t.Errorf("notification = %+v", n)
	}
	waitEvent(t, convCh, bus.KindConversationOpened)
	if !c.Active() {
		t.Error("incoming content must open the conversation")
	}

	// Second notification is no longer the first.
	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "again"}); err != nil {
		t.Fatal(err)
	}
	evt = waitEvent(t, notifCh, bus.KindNotificationShow)
	if evt.Payload.(bus.Notification).First {
		t.Error("second notification still flagged first")
	}
}

func TestOutgoingNeverNotifies(t *testing.T) {
	deps, _ := testDeps(t)
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if _, err := c.createMessage(draft{text: "mine"}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)
}

func TestVisibleSuppressesAndQueuesRead(t *testing.T) {
	deps, _ := testDeps(t)
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "bob@example.org", OneToOne)
	c.SetVisible(true)

	m, err := c.createMessage(draft{incoming: true, notify: true, text: "seen live"})
	if err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)

	got, err := deps.DB.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Read {
		t.Error("message should stay unread until leaving the screen")
	}

	c.SetVisible(false)
	got, err = deps.DB.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Read {
		t.Error("pending read set was not flushed")
	}
}

func TestIncomingUnarchives(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)
	if err := c.Archive(true); err != nil {
		t.Fatal(err)
	}

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "knock"}); err != nil {
		t.Fatal(err)
	}

	meta, err := deps.DB.LoadConversationMeta(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.Archived {
		t.Errorf("conversation still archived: %+v", meta)
	}
}

func TestNotificationModeDisabled(t *testing.T) {
	deps, _ := testDeps(t)
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "bob@example.org", OneToOne)
	if err := c.SetNotificationMode(NotifyDisabled, time.Time{}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "silent"}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)
}

func TestSnoozeExpires(t *testing.T) {
	deps, _ := testDeps(t)
	now := time.Now()
	deps.Clock = func() time.Time { return now }
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "bob@example.org", OneToOne)
	if err := c.SetNotificationMode(NotifySnoozed, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "muffled"}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)

	now = now.Add(2 * time.Hour)
	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "awake"}); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, bus.KindNotificationShow)

	// The expiry is written back; a restart must not resurrect it.
	meta, err := deps.DB.LoadConversationMeta(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.NotificationMode != NotifyDefault || meta.NotificationTS != 0 {
		t.Errorf("persisted mode after expiry = %+v", meta)
	}
}

func TestNotificationModeEnabledOverridesConfig(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Config.Notifications.OnChat = false
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "muted by default"}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)

	if err := c.SetNotificationMode(NotifyEnabled, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "always alert"}); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, bus.KindNotificationShow)
}

func TestForwardPayloadsStayOutOfChain(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "head", stanzaID: "s1"}); err != nil {
		t.Fatal(err)
	}
	child, err := c.createMessage(draft{
		id:       "child-1",
		text:     "quoted",
		incoming: true,
		parentID: "parent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.PreviousID != "" {
		t.Errorf("child entered the chain: previous = %q", child.PreviousID)
	}

	next, err := c.createMessage(draft{incoming: true, notify: true, text: "tail"})
	if err != nil {
		t.Fatal(err)
	}
	if next.PreviousID != "s1" {
		t.Errorf("chain disturbed by child: previous = %q, want s1", next.PreviousID)
	}
}

func TestMarkAsReadAll(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)
	for _, text := range []string{"a", "b"} {
		if _, err := c.createMessage(draft{incoming: true, notify: true, text: text}); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.MarkAsReadAll(); err != nil {
		t.Fatal(err)
	}
	n, err := deps.DB.UnreadCount(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unread = %d after MarkAsReadAll", n)
	}
}

func TestGroupNotificationsFollowConfig(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Config.Notifications.OnGroup = false
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "room@conf.example.org", GroupRoom)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "room talk", resource: "karl"}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)

	last, err := deps.DB.LastMessage(testAccount, "room@conf.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.InGroup {
		t.Errorf("group message not flagged: %+v", last)
	}
}

func TestUnacceptedPrivateSubIsSilent(t *testing.T) {
	deps, _ := testDeps(t)
	ch, unsub := deps.Bus.Subscribe("notification.", 10)
	defer unsub()
	c := testConv(t, deps, "room@conf.example.org/karl", PrivateGroupSub)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "psst"}); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, ch, bus.KindNotificationShow)

	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()
	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "psst again"}); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch, bus.KindNotificationShow)
}

func TestSendingMarksConversationRead(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "unread"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.createMessage(draft{text: "my reply"}); err != nil {
		t.Fatal(err)
	}

	n, err := deps.DB.UnreadCount(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unread = %d after replying", n)
	}
}

func TestIncomingStoredAsSent(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	m, err := c.createMessage(draft{incoming: true, notify: true, text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := deps.DB.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Incoming messages never enter the send queue.
	if !got.Sent {
		t.Error("incoming message stored unsent")
	}
}

func TestUnreadCountSkipsPendingOnScreen(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if _, err := c.createMessage(draft{incoming: true, notify: true, text: "while away"}); err != nil {
		t.Fatal(err)
	}
	n, err := c.UnreadCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}

	// Messages landing on screen are already seen; they wait in the
	// pending set but must not inflate the badge.
	c.SetVisible(true)
	for _, text := range []string{"seen live", "also seen"} {
		if _, err := c.createMessage(draft{incoming: true, notify: true, text: text}); err != nil {
			t.Fatal(err)
		}
	}
	stored, err := deps.DB.UnreadCount(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if stored != 3 {
		t.Fatalf("stored unread = %d, want 3", stored)
	}
	n, err = c.UnreadCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread with pending = %d, want 1", n)
	}

	c.SetVisible(false)
	n, err = c.UnreadCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread after flush = %d, want 1", n)
	}
}

func TestLastPositionSurvivesRestart(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	if err := c.SetLastPosition(42); err != nil {
		t.Fatal(err)
	}

	meta, err := deps.DB.LoadConversationMeta(testAccount, "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil || meta.LastPosition != 42 {
		t.Fatalf("persisted meta = %+v", meta)
	}

	restored := testConv(t, deps, "bob@example.org", OneToOne)
	restored.loadMeta(meta)
	if restored.LastPosition() != 42 {
		t.Errorf("restored position = %d, want 42", restored.LastPosition())
	}
}

func TestDelayedTimestampUsed(t *testing.T) {
	deps, _ := testDeps(t)
	c := testConv(t, deps, "bob@example.org", OneToOne)

	stamp := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	m, err := c.createMessage(draft{incoming: true, notify: true, text: "old news", delay: stamp})
	if err != nil {
		t.Fatal(err)
	}
	var got store.Message
	loaded, err := deps.DB.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	got = *loaded
	if got.Timestamp != stamp.UnixMilli() || got.DelayTimestamp != stamp.UnixMilli() {
		t.Errorf("timestamps = %d/%d, want %d", got.Timestamp, got.DelayTimestamp, stamp.UnixMilli())
	}
}
