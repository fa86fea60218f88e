package xmpp

// Namespaces of the protocol extensions the engine understands.
const (
	NSCarbons    = "urn:xmpp:carbons:2"
	NSForward    = "urn:xmpp:forward:0"
	NSDelay      = "urn:xmpp:delay"
	NSSID        = "urn:xmpp:sid:0"
	NSReference  = "urn:xmpp:reference:0"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSHints      = "urn:xmpp:hints"
)
