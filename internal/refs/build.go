package refs

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xmppgo/chatd/internal/xmpp"
)

func newExtension(typ string, begin, end int, inner []byte) xmpp.Extension {
	return xmpp.Extension{
		XMLName: xml.Name{Space: xmpp.NSReference, Local: "reference"},
		Attrs: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: typ},
			{Name: xml.Name{Local: "begin"}, Value: strconv.Itoa(begin)},
			{Name: xml.Name{Local: "end"}, Value: strconv.Itoa(end)},
		},
		Inner: inner,
	}
}

// NewMedia builds a media reference covering the body span that holds
// the file URL.
func NewMedia(begin, end int, m Media) (xmpp.Extension, error) {
	wire := mediaXML{
		File: fileXML{
			Name:      m.Name,
			MediaType: m.MediaType,
			Desc:      m.Desc,
			Size:      m.Size,
			Width:     m.Width,
			Height:    m.Height,
			Duration:  m.Duration,
		},
		Sources: sourcesXML{Refs: []sourceRefXML{{Type: "data", URI: m.URI}}},
	}
	inner, err := xml.Marshal(&wire)
	if err != nil {
		return xmpp.Extension{}, fmt.Errorf("marshal media reference: %w", err)
	}
	return newExtension(TypeMedia, begin, end, inner), nil
}

// NewForward builds a forward reference embedding the given message with
// its original timestamp.
func NewForward(begin, end int, stamp time.Time, inner *xmpp.Message) (xmpp.Extension, error) {
	var buf []byte
	delay, err := xml.Marshal(xmpp.DelayExtension(stamp))
	if err != nil {
		return xmpp.Extension{}, fmt.Errorf("marshal forward delay: %w", err)
	}
	msg, err := xml.Marshal(inner)
	if err != nil {
		return xmpp.Extension{}, fmt.Errorf("marshal forwarded message: %w", err)
	}
	buf = append(buf, `<forwarded xmlns="`+xmpp.NSForward+`">`...)
	buf = append(buf, delay...)
	buf = append(buf, msg...)
	buf = append(buf, "</forwarded>"...)
	return newExtension(TypeForward, begin, end, buf), nil
}

// NewMarkup builds a markup reference styling the covered body span.
func NewMarkup(begin, end int, m Markup) xmpp.Extension {
	var buf []byte
	if m.Bold {
		buf = append(buf, "<bold/>"...)
	}
	if m.Italic {
		buf = append(buf, "<italic/>"...)
	}
	if m.Underline {
		buf = append(buf, "<underline/>"...)
	}
	if m.Strike {
		buf = append(buf, "<strike/>"...)
	}
	if m.URI != "" {
		var esc strings.Builder
		_ = xml.EscapeText(&esc, []byte(m.URI))
		buf = append(buf, "<uri>"+esc.String()+"</uri>"...)
	}
	return newExtension(TypeMarkup, begin, end, buf)
}

// NewAuthor builds a group author reference covering the nickname prefix
// span of a relayed room message.
func NewAuthor(begin, end int, a GroupAuthor) (xmpp.Extension, error) {
	wire := userXML{
		ID:       a.ID,
		JID:      a.JID,
		Nickname: a.Nickname,
		Badge:    a.Badge,
		Role:     a.Role,
	}
	inner, err := xml.Marshal(&wire)
	if err != nil {
		return xmpp.Extension{}, fmt.Errorf("marshal author reference: %w", err)
	}
	return newExtension(TypeAuthor, begin, end, inner), nil
}
