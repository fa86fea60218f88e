package xmpp

import (
	"bytes"
	"encoding/xml"
	"io"

	"mellium.im/xmpp/jid"
)

// MessageType is the type attribute of a message stanza.
type MessageType string

const (
	ChatMessage      MessageType = "chat"
	GroupChatMessage MessageType = "groupchat"
	HeadlineMessage  MessageType = "headline"
	NormalMessage    MessageType = "normal"
	ErrorMessage     MessageType = "error"
)

// Stanza is a parsed inbound protocol unit.
type Stanza interface {
	Sender() jid.JID
}

// Message is a parsed message stanza. Child elements that are not part of
// the core schema are kept as raw Extensions.
type Message struct {
	XMLName    xml.Name    `xml:"message"`
	ID         string      `xml:"id,attr,omitempty"`
	From       jid.JID     `xml:"from,attr"`
	To         jid.JID     `xml:"to,attr"`
	Type       MessageType `xml:"type,attr,omitempty"`
	Subject    string      `xml:"subject,omitempty"`
	Body       string      `xml:"body,omitempty"`
	Thread     string      `xml:"thread,omitempty"`
	Extensions []Extension `xml:",any"`
}

func (m *Message) Sender() jid.JID { return m.From }

// Extension returns the first extension matching the namespace and local
// name, or nil.
func (m *Message) Extension(space, local string) *Extension {
	return findExtension(m.Extensions, space, local)
}

// HasExtension reports whether any extension lives in the given namespace.
func (m *Message) HasExtension(space string) bool {
	for i := range m.Extensions {
		if m.Extensions[i].XMLName.Space == space {
			return true
		}
	}
	return false
}

// PresenceType is the type attribute of a presence stanza. The empty string
// means available.
type PresenceType string

const (
	AvailablePresence   PresenceType = ""
	UnavailablePresence PresenceType = "unavailable"
)

// Presence is a parsed presence stanza.
type Presence struct {
	XMLName    xml.Name     `xml:"presence"`
	ID         string       `xml:"id,attr,omitempty"`
	From       jid.JID      `xml:"from,attr"`
	To         jid.JID      `xml:"to,attr"`
	Type       PresenceType `xml:"type,attr,omitempty"`
	Status     string       `xml:"status,omitempty"`
	Extensions []Extension  `xml:",any"`
}

func (p *Presence) Sender() jid.JID { return p.From }

// Extension returns the first extension matching the namespace and local
// name, or nil.
func (p *Presence) Extension(space, local string) *Extension {
	return findExtension(p.Extensions, space, local)
}

// HasExtension reports whether any extension lives in the given namespace.
func (p *Presence) HasExtension(space string) bool {
	for i := range p.Extensions {
		if p.Extensions[i].XMLName.Space == space {
			return true
		}
	}
	return false
}

// Extension is an arbitrary stanza child element preserved with its raw
// inner XML, so unknown payloads survive a parse/serialize round trip.
type Extension struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// Attr returns the value of the named attribute, or the empty string.
func (e *Extension) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// MarshalXML re-emits the element with its attributes and raw inner XML.
// encoding/xml ignores the innerxml tag when marshaling, so the inner
// bytes are tokenized and copied through the encoder by hand.
func (e Extension) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: e.XMLName}
	for _, a := range e.Attrs {
		// The namespace declaration is re-derived from XMLName.Space.
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		start.Attr = append(start.Attr, a)
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if len(e.Inner) > 0 {
		dec := xml.NewDecoder(bytes.NewReader(e.Inner))
		for {
			tok, err := dec.Token()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := enc.EncodeToken(fixupToken(tok)); err != nil {
				return err
			}
		}
	}
	return enc.EncodeToken(start.End())
}

// fixupToken strips duplicated namespace declarations from copied start
// elements; the encoder re-emits them from Name.Space.
func fixupToken(tok xml.Token) xml.Token {
	start, ok := tok.(xml.StartElement)
	if !ok {
		return xml.CopyToken(tok)
	}
	cp := start.Copy()
	attrs := cp.Attr[:0]
	for _, a := range cp.Attr {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		attrs = append(attrs, a)
	}
	cp.Attr = attrs
	return cp
}

func findExtension(exts []Extension, space, local string) *Extension {
	for i := range exts {
		if exts[i].XMLName.Space == space && exts[i].XMLName.Local == local {
			return &exts[i]
		}
	}
	return nil
}

// Marshal serializes a stanza (or any XML value) to its wire form.
func Marshal(v any) (string, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
