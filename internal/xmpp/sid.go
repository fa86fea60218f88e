package xmpp

import "encoding/xml"

// OriginID returns the client-assigned unique id attached to the message,
// or the empty string.
func OriginID(m *Message) string {
	if ext := m.Extension(NSSID, "origin-id"); ext != nil {
		return ext.Attr("id")
	}
	return ""
}

// StanzaID returns the server-assigned stable id attached to the message,
// or the empty string.
func StanzaID(m *Message) string {
	if ext := m.Extension(NSSID, "stanza-id"); ext != nil {
		return ext.Attr("id")
	}
	return ""
}

// BestID picks the most reliable unique id available on the message:
// origin-id, then stanza-id, then the plain stanza id attribute.
func BestID(m *Message) string {
	if id := OriginID(m); id != "" {
		return id
	}
	if id := StanzaID(m); id != "" {
		return id
	}
	return m.ID
}

// OriginIDExtension builds an origin-id element carrying the given id.
func OriginIDExtension(id string) Extension {
	return Extension{
		XMLName: xml.Name{Space: NSSID, Local: "origin-id"},
		Attrs:   []xml.Attr{{Name: xml.Name{Local: "id"}, Value: id}},
	}
}

// ActiveChatState builds the active chat-state decoration for outgoing
// messages.
func ActiveChatState() Extension {
	return Extension{XMLName: xml.Name{Space: NSChatStates, Local: "active"}}
}

// StoreHint asks the server to keep the message in the archive so other
// sessions of the account pick it up.
func StoreHint() Extension {
	return Extension{XMLName: xml.Name{Space: NSHints, Local: "store"}}
}

// CarbonPrivate marks a message as exempt from carbon copying. Used for
// auto-generated service replies.
func CarbonPrivate() Extension {
	return Extension{XMLName: xml.Name{Space: NSCarbons, Local: "private"}}
}
