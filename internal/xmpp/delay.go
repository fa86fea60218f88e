package xmpp

import (
	"encoding/xml"
	"strings"
	"time"
)

// Delay is a parsed urn:xmpp:delay element: the time the stanza was
// originally sent, who delayed it, and the free-text reason.
type Delay struct {
	Stamp  time.Time
	From   string
	Reason string
}

// DelayOf extracts the delay element from a set of extensions, or nil.
func DelayOf(exts []Extension) *Delay {
	ext := findExtension(exts, NSDelay, "delay")
	if ext == nil {
		return nil
	}
	d := &Delay{
		From:   ext.Attr("from"),
		Reason: strings.TrimSpace(string(ext.Inner)),
	}
	if stamp := ext.Attr("stamp"); stamp != "" {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			d.Stamp = t
		}
	}
	return d
}

// DelayExtension builds a delay element with the given stamp.
func DelayExtension(stamp time.Time) Extension {
	return Extension{
		XMLName: xml.Name{Space: NSDelay, Local: "delay"},
		Attrs: []xml.Attr{
			{Name: xml.Name{Local: "stamp"}, Value: stamp.UTC().Format(time.RFC3339)},
		},
	}
}
