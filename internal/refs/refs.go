// Package refs implements the message reference extension: spans of the
// message body annotated with media payloads, embedded forwarded
// messages, or group author info. Span positions are counted in UTF-16
// code units over the XML-escaped body, so both ends of the wire agree
// on offsets regardless of entities and astral characters.
package refs

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/xmppgo/chatd/internal/xmpp"
)

// Reference kinds understood by the engine. Unknown kinds are preserved
// but otherwise ignored.
const (
	TypeMedia   = "media"
	TypeForward = "forward"
	TypeAuthor  = "groupchat"
	TypeMarkup  = "markup"
)

// Reference is one decoded reference element.
type Reference struct {
	Type      string
	Begin     int
	End       int
	Media     []Media
	Forwarded []Forwarded
	Author    *GroupAuthor
	Markup    *Markup
}

// Markup is the rich-text styling applied to one body span.
type Markup struct {
	Bold      bool
	Italic    bool
	Underline bool
	Strike    bool
	URI       string
}

// Media describes a file payload attached to a body span.
type Media struct {
	URI       string
	Name      string
	MediaType string
	Desc      string
	Size      int64
	Width     int
	Height    int
	Duration  int64
}

// Forwarded is a message embedded inside a forward reference, together
// with the timestamp it originally carried.
type Forwarded struct {
	Stamp   time.Time
	Message xmpp.Message
}

// GroupAuthor identifies the real author of a message relayed through a
// group room.
type GroupAuthor struct {
	ID       string
	JID      string
	Nickname string
	Badge    string
	Role     string
}

// Wire forms. Child elements keep their own namespaces; the decoder
// matches on local names.
type referenceXML struct {
	XMLName   xml.Name       `xml:"reference"`
	Type      string         `xml:"type,attr"`
	Begin     int            `xml:"begin,attr"`
	End       int            `xml:"end,attr"`
	Media     []mediaXML     `xml:"media"`
	Forwarded []forwardedXML `xml:"forwarded"`
	User      *userXML       `xml:"user"`
	Bold      *struct{}      `xml:"bold"`
	Italic    *struct{}      `xml:"italic"`
	Underline *struct{}      `xml:"underline"`
	Strike    *struct{}      `xml:"strike"`
	URI       string         `xml:"uri"`
}

type mediaXML struct {
	XMLName xml.Name   `xml:"media"`
	File    fileXML    `xml:"file"`
	Sources sourcesXML `xml:"sources"`
}

type fileXML struct {
	Name      string `xml:"name,omitempty"`
	MediaType string `xml:"media-type,omitempty"`
	Desc      string `xml:"desc,omitempty"`
	Size      int64  `xml:"size,omitempty"`
	Width     int    `xml:"width,omitempty"`
	Height    int    `xml:"height,omitempty"`
	Duration  int64  `xml:"duration,omitempty"`
}

type sourcesXML struct {
	Refs []sourceRefXML `xml:"reference"`
}

type sourceRefXML struct {
	Type string `xml:"type,attr,omitempty"`
	URI  string `xml:"uri,attr"`
}

type forwardedXML struct {
	XMLName xml.Name      `xml:"forwarded"`
	Delay   *delayXML     `xml:"delay"`
	Message *xmpp.Message `xml:"message"`
}

type delayXML struct {
	XMLName xml.Name `xml:"delay"`
	Stamp   string   `xml:"stamp,attr"`
}

type userXML struct {
	XMLName  xml.Name `xml:"user"`
	ID       string   `xml:"id,attr,omitempty"`
	JID      string   `xml:"jid,omitempty"`
	Nickname string   `xml:"nickname,omitempty"`
	Badge    string   `xml:"badge,omitempty"`
	Role     string   `xml:"role,omitempty"`
}

// Decode parses every reference extension in the given set. Extensions
// that fail to parse are reported, not skipped.
func Decode(exts []xmpp.Extension) ([]Reference, error) {
	var out []Reference
	for i := range exts {
		ext := &exts[i]
		if ext.XMLName.Space != xmpp.NSReference || ext.XMLName.Local != "reference" {
			continue
		}
		data, err := xmpp.Marshal(*ext)
		if err != nil {
			return nil, fmt.Errorf("serialize reference: %w", err)
		}
		var wire referenceXML
		if err := xml.Unmarshal([]byte(data), &wire); err != nil {
			return nil, fmt.Errorf("parse reference: %w", err)
		}
		out = append(out, fromWire(&wire))
	}
	return out, nil
}

func fromWire(w *referenceXML) Reference {
	r := Reference{Type: w.Type, Begin: w.Begin, End: w.End}
	for _, m := range w.Media {
		media := Media{
			Name:      m.File.Name,
			MediaType: m.File.MediaType,
			Desc:      m.File.Desc,
			Size:      m.File.Size,
			Width:     m.File.Width,
			Height:    m.File.Height,
			Duration:  m.File.Duration,
		}
		if len(m.Sources.Refs) > 0 {
			media.URI = m.Sources.Refs[0].URI
		}
		r.Media = append(r.Media, media)
	}
	for _, f := range w.Forwarded {
		if f.Message == nil {
			continue
		}
		fwd := Forwarded{Message: *f.Message}
		if f.Delay != nil && f.Delay.Stamp != "" {
			if t, err := time.Parse(time.RFC3339, f.Delay.Stamp); err == nil {
				fwd.Stamp = t
			}
		}
		r.Forwarded = append(r.Forwarded, fwd)
	}
	if w.User != nil {
		r.Author = &GroupAuthor{
			ID:       w.User.ID,
			JID:      w.User.JID,
			Nickname: w.User.Nickname,
			Badge:    w.User.Badge,
			Role:     w.User.Role,
		}
	}
	if w.Type == TypeMarkup {
		r.Markup = &Markup{
			Bold:      w.Bold != nil,
			Italic:    w.Italic != nil,
			Underline: w.Underline != nil,
			Strike:    w.Strike != nil,
			URI:       w.URI,
		}
	}
	return r
}

// Forwards collects all embedded forwarded messages in document order.
func Forwards(refs []Reference) []Forwarded {
	var out []Forwarded
	for _, r := range refs {
		if r.Type == TypeForward {
			out = append(out, r.Forwarded...)
		}
	}
	return out
}

// Medias collects all media payloads in document order.
func Medias(refs []Reference) []Media {
	var out []Media
	for _, r := range refs {
		if r.Type == TypeMedia {
			out = append(out, r.Media...)
		}
	}
	return out
}

// Author returns the group author reference, or nil.
func Author(refs []Reference) *GroupAuthor {
	for _, r := range refs {
		if r.Type == TypeAuthor && r.Author != nil {
			return r.Author
		}
	}
	return nil
}

// HasForward reports whether any forward reference is present.
func HasForward(refs []Reference) bool {
	for _, r := range refs {
		if r.Type == TypeForward {
			return true
		}
	}
	return false
}
