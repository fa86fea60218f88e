package store

// Message is a durable chat message record. IDs are engine-assigned and
// unique across accounts, independent of any protocol-level stanza id.
type Message struct {
	ID             string
	Account        string
	Peer           string
	Resource       string
	Body           string
	MarkupBody     string
	Action         string
	Timestamp      int64 // unix milliseconds
	DelayTimestamp int64 // server-reported original send time, 0 if none
	Incoming       bool
	Read           bool
	Sent           bool
	Acknowledged   bool
	Encrypted      bool
	Offline        bool
	InGroup        bool
	InProgress     bool
	Error          bool
	ErrorText      string
	Forwarded      bool
	StanzaID       string
	PreviousID     string
	ParentID       string // set on messages stored as forwarded payloads of another
	OriginalStanza string
	OriginalFrom   string
	GroupAuthorID  string
	Attachments    []Attachment
	ForwardedIDs   []string
}

// HasContent reports whether the message carries anything beyond a
// system action.
func (m *Message) HasContent() bool {
	return m.Body != "" || len(m.Attachments) > 0 || len(m.ForwardedIDs) > 0
}

// Attachment is a file shared within a message. It lives and dies with
// its owning message.
type Attachment struct {
	ID          string
	MessageID   string
	FilePath    string
	FileURL     string
	Title       string
	MimeType    string
	FileSize    int64
	IsImage     bool
	ImageWidth  int
	ImageHeight int
	Duration    int64
}

// ConversationMeta is the slice of conversation state that survives
// restarts: notification policy, archive flag, and scroll position.
type ConversationMeta struct {
	Account          string
	Peer             string
	NotificationMode string
	NotificationTS   int64
	Archived         bool
	LastPosition     int
	HistoryRequested bool
}

// Contact is a roster entry the account trusts.
type Contact struct {
	Account string
	JID     string
	Name    string
}

// Room is a persisted group room membership.
type Room struct {
	Account string
	JID     string
	Nick    string
}

// Endpoint identifies a conversation by account and bare peer address.
type Endpoint struct {
	Account string
	Peer    string
}

// SearchResult holds a message matched by full-text search with a
// highlighted snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
