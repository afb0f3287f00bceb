package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Stanza kinds carried over the stream. The stream collaborator has
// already dealt with the wire grammar; what the session layer sees is
// a decoded envelope in JSON form.
const (
	KindIQ       = "iq"
	KindMessage  = "message"
	KindPresence = "presence"
)

// IQ exchange types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Feature namespaces recognized during feature discovery.
const (
	NSDiscoInfo         = "http://jabber.org/protocol/disco#info"
	NSDiscoItems        = "http://jabber.org/protocol/disco#items"
	NSMUC               = "http://jabber.org/protocol/muc"
	NSRegister          = "jabber:iq:register"
	NSPrivacy           = "jabber:iq:privacy"
	NSPresenceInvisible = "presence-invisible"
)

// Stanza is the decoded envelope exchanged with the stream transport.
type Stanza struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	// IQ payload.
	Query *Query `json:"query,omitempty"`

	// Message payload.
	Body string `json:"body,omitempty"`

	// Presence payload.
	Show string `json:"show,omitempty"`
	Caps *Caps  `json:"caps,omitempty"`

	// Error payload on type "error" stanzas.
	Error *StanzaError `json:"error,omitempty"`
}

// Query is the payload of an iq stanza, its meaning keyed by NS.
type Query struct {
	NS   string `json:"ns"`
	Node string `json:"node,omitempty"`

	// disco#info result.
	Features   []string   `json:"features,omitempty"`
	Identities []Identity `json:"identities,omitempty"`

	// disco#items result.
	Items []Item `json:"items,omitempty"`

	// jabber:iq:register request.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type Identity struct {
	Category string `json:"category"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
}

type Item struct {
	JID  string `json:"jid"`
	Name string `json:"name,omitempty"`
}

// Caps is the capability advertisement attached to presence, pointing
// peers at our feature-discovery node.
type Caps struct {
	Node   string `json:"node"`
	Ver    string `json:"ver"`
	Serial uint32 `json:"serial"`
}

type StanzaError struct {
	Code    int    `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *StanzaError) Error() string {
	return e.Message
}

func NewIQ(iqType, to string, query *Query) *Stanza {
	return &Stanza{
		Kind:  KindIQ,
		ID:    uuid.NewString(),
		Type:  iqType,
		To:    to,
		Query: query,
	}
}

func NewResultIQ(request *Stanza, query *Query) *Stanza {
	return &Stanza{
		Kind:  KindIQ,
		ID:    request.ID,
		Type:  IQResult,
		To:    request.From,
		Query: query,
	}
}

func NewPresence(show string, caps *Caps) *Stanza {
	return &Stanza{Kind: KindPresence, Show: show, Caps: caps}
}

func NewMessage(to, body string) *Stanza {
	return &Stanza{Kind: KindMessage, ID: uuid.NewString(), To: to, Body: body}
}

func (s *Stanza) Marshal() ([]byte, error) {
	return json.Marshal(s)
}
