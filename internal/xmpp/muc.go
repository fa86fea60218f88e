package xmpp

import "encoding/xml"

// Invite is a parsed room invitation.
type Invite struct {
	Room   string
	From   string
	Reason string
}

// MUCInvite extracts a room invitation from the message, or nil. The
// room is the stanza sender; the inviter is carried in the payload.
func MUCInvite(m *Message) *Invite {
	ext := m.Extension(NSMUCUser, "x")
	if ext == nil {
		return nil
	}
	var wire struct {
		Invite *struct {
			From   string `xml:"from,attr"`
			Reason string `xml:"reason"`
		} `xml:"invite"`
	}
	data, err := Marshal(*ext)
	if err != nil {
		return nil
	}
	if err := xml.Unmarshal([]byte(data), &wire); err != nil || wire.Invite == nil {
		return nil
	}
	return &Invite{
		Room:   m.From.Bare().String(),
		From:   wire.Invite.From,
		Reason: wire.Invite.Reason,
	}
}

// ErrorText extracts the human-readable text of an error stanza, or the
// error condition name when no text is present.
func ErrorText(m *Message) string {
	ext := m.Extension("jabber:client", "error")
	if ext == nil {
		ext = findExtension(m.Extensions, "", "error")
	}
	if ext == nil {
		for i := range m.Extensions {
			if m.Extensions[i].XMLName.Local == "error" {
				ext = &m.Extensions[i]
				break
			}
		}
	}
	if ext == nil {
		return ""
	}
	var wire struct {
		Text      string `xml:"text"`
		Condition []struct {
			XMLName xml.Name
		} `xml:",any"`
	}
	data, err := Marshal(*ext)
	if err != nil {
		return ""
	}
	if err := xml.Unmarshal([]byte(data), &wire); err != nil {
		return ""
	}
	if wire.Text != "" {
		return wire.Text
	}
	for _, c := range wire.Condition {
		if c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	return "error"
}
