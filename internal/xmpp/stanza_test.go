package xmpp

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"
)

const rawChatMessage = `<message xmlns="jabber:client" from="bob@example.org/mobile" to="alice@example.org" type="chat" id="abc-1">` +
	`<body>hi there</body>` +
	`<origin-id xmlns="urn:xmpp:sid:0" id="origin-7"/>` +
	`<stanza-id xmlns="urn:xmpp:sid:0" id="server-9" by="alice@example.org"/>` +
	`<delay xmlns="urn:xmpp:delay" from="example.org" stamp="2024-03-01T10:30:00Z">Offline Storage</delay>` +
	`</message>`

func TestMessageParse(t *testing.T) {
	var m Message
	if err := xml.Unmarshal([]byte(rawChatMessage), &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != ChatMessage {
		t.Errorf("type = %q, want chat", m.Type)
	}
	if m.Body != "hi there" {
		t.Errorf("body = %q", m.Body)
	}
	if got := m.From.Bare().String(); got != "bob@example.org" {
		t.Errorf("bare from = %q", got)
	}
	if got := m.From.Resourcepart(); got != "mobile" {
		t.Errorf("resource = %q", got)
	}
	if !m.HasExtension(NSSID) {
		t.Error("sid extensions lost in parse")
	}
}

func TestBestIDPrecedence(t *testing.T) {
	var m Message
	if err := xml.Unmarshal([]byte(rawChatMessage), &m); err != nil {
		t.Fatal(err)
	}
	if got := BestID(&m); got != "origin-7" {
		t.Errorf("BestID = %q, want origin-7", got)
	}

	// Drop the origin-id, stanza-id wins.
	var exts []Extension
	for _, e := range m.Extensions {
		if e.XMLName.Local == "origin-id" {
			continue
		}
		exts = append(exts, e)
	}
	m.Extensions = exts
	if got := BestID(&m); got != "server-9" {
		t.Errorf("BestID without origin-id = %q, want server-9", got)
	}

	m.Extensions = nil
	if got := BestID(&m); got != "abc-1" {
		t.Errorf("BestID fallback = %q, want stanza id attr", got)
	}
}

func TestDelayOf(t *testing.T) {
	var m Message
	if err := xml.Unmarshal([]byte(rawChatMessage), &m); err != nil {
		t.Fatal(err)
	}
	d := DelayOf(m.Extensions)
	if d == nil {
		t.Fatal("delay not found")
	}
	want := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	if !d.Stamp.Equal(want) {
		t.Errorf("stamp = %v, want %v", d.Stamp, want)
	}
	if d.Reason != "Offline Storage" {
		t.Errorf("reason = %q", d.Reason)
	}
	if d.From != "example.org" {
		t.Errorf("from = %q", d.From)
	}

	if DelayOf(nil) != nil {
		t.Error("DelayOf(nil) should be nil")
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	raw := `<message from="a@s" to="b@s"><x xmlns="http://jabber.org/protocol/muc#user"><invite from="c@s"><reason>join us</reason></invite></x></message>`
	var m Message
	if err := xml.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}

	out, err := Marshal(&m)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "muc#user") {
		t.Errorf("namespace lost: %s", out)
	}
	if !strings.Contains(out, "<reason>join us</reason>") {
		t.Errorf("inner xml lost: %s", out)
	}

	// The re-marshaled form must parse back to the same extension.
	var again Message
	if err := xml.Unmarshal([]byte(out), &again); err != nil {
		t.Fatalf("re-parse failed: %v\n%s", err, out)
	}
	ext := again.Extension(NSMUCUser, "x")
	if ext == nil {
		t.Fatal("extension lost in round trip")
	}
	if !strings.Contains(string(ext.Inner), "join us") {
		t.Errorf("inner = %s", ext.Inner)
	}
}

func TestEscape(t *testing.T) {
	in := `a < b & "c" > 'd'`
	out := Escape(in)
	if strings.ContainsAny(out, `<>"'`) {
		t.Errorf("unescaped characters remain: %s", out)
	}
	if Unescape(out) != in {
		t.Errorf("round trip failed: %q", Unescape(out))
	}
}

func TestEscapedLen(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"plain", 5},
		{"<", 4},            // &lt;
		{"&", 5},            // &amp;
		{"a&b", 7},          // a &amp; b
		{"\U0001F600", 2},   // surrogate pair
		{"<\U0001F600>", 8}, // &lt; + pair + &gt;
	}
	for _, tt := range tests {
		if got := EscapedLen(tt.in); got != tt.want {
			t.Errorf("EscapedLen(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
