package xmpp

import (
	"encoding/xml"
	"fmt"
)

// CarbonDirection distinguishes copies of sent and received messages.
type CarbonDirection int

const (
	CarbonNone CarbonDirection = iota
	CarbonSent
	CarbonReceived
)

// Carbon extracts a carbon copy from the message: the direction and the
// original message wrapped inside it. Returns CarbonNone when the
// message is not a carbon.
func Carbon(m *Message) (CarbonDirection, *Message, error) {
	dir := CarbonNone
	var ext *Extension
	if e := m.Extension(NSCarbons, "sent"); e != nil {
		dir, ext = CarbonSent, e
	} else if e := m.Extension(NSCarbons, "received"); e != nil {
		dir, ext = CarbonReceived, e
	}
	if ext == nil {
		return CarbonNone, nil, nil
	}

	data, err := Marshal(*ext)
	if err != nil {
		return dir, nil, fmt.Errorf("serialize carbon: %w", err)
	}
	var wire struct {
		Forwarded struct {
			Message *Message `xml:"message"`
		} `xml:"forwarded"`
	}
	if err := xml.Unmarshal([]byte(data), &wire); err != nil {
		return dir, nil, fmt.Errorf("parse carbon: %w", err)
	}
	if wire.Forwarded.Message == nil {
		return dir, nil, fmt.Errorf("carbon without wrapped message")
	}
	return dir, wire.Forwarded.Message, nil
}
