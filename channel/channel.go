// Package channel defines the communication channel abstraction and
// the factories that create channels, both on local request and on
// unsolicited inbound traffic.
package channel

import (
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/lanternchat/go-xcm/protocol"
)

// RequestStatus is a factory's verdict on a channel request. Declines
// are ordered least to most specific: when several factories decline,
// the caller reports the most specific verdict.
type RequestStatus int

const (
	// RequestNotImplemented: the factory does not handle this channel
	// type at all.
	RequestNotImplemented RequestStatus = iota
	// RequestNotAvailable: right type, but the handle type or current
	// state rules it out.
	RequestNotAvailable
	// RequestInvalidHandle: the target handle does not name anything.
	RequestInvalidHandle
	// RequestError: the factory owns the request but failed it.
	RequestError
	// RequestQueued: the factory accepted the request and will announce
	// the channel (or an error) later.
	RequestQueued
	// RequestDone: the channel exists now.
	RequestDone
)

func (s RequestStatus) String() string {
	switch s {
	case RequestNotImplemented:
		return "not-implemented"
	case RequestNotAvailable:
		return "not-available"
	case RequestInvalidHandle:
		return "invalid-handle"
	case RequestError:
		return "error"
	case RequestQueued:
		return "queued"
	case RequestDone:
		return "done"
	default:
		return "unknown"
	}
}

// Request is one channel request as a factory sees it.
type Request struct {
	ChannelType string
	HandleType  protocol.HandleType
	Handle      protocol.Handle

	// MustBeNew rejects satisfying the request with a channel that
	// already exists.
	MustBeNew bool
}

// Channel is one live communication channel.
type Channel interface {
	ObjectPath() string
	ChannelType() string
	TargetHandleType() protocol.HandleType
	TargetHandle() protocol.Handle
	Close() error
}

// Sender is the hook factories use to reach the stream.
type Sender interface {
	Send(st *protocol.Stanza) error
	SendIQ(iq *protocol.Stanza, onReply func(reply *protocol.Stanza, err error)) error
}

// Factory creates channels of the types it owns. Announce handlers are
// installed once by the session before connecting; factories call onNew
// for every channel they create, with requested saying whether a local
// request produced it, and onError for a queued channel that failed to
// materialize.
type Factory interface {
	Request(req Request) (Channel, RequestStatus, error)

	SetHandlers(onNew func(ch Channel, requested bool), onError func(ch Channel, err error))

	Connecting()
	Connected()
	Disconnected()

	// CloseAll tears down every live and pending channel.
	CloseAll()
}

var objectPathTemplate = uritemplate.MustNew("/im/lanternchat/connection/{account}/channel/{kind}/{id}")

// ObjectPath builds the stable identifier of a channel from the
// account, a short channel kind and an id unique within the kind.
func ObjectPath(account, kind, id string) string {
	path, err := objectPathTemplate.Expand(uritemplate.Values{
		"account": uritemplate.String(account),
		"kind":    uritemplate.String(kind),
		"id":      uritemplate.String(id),
	})
	if err != nil {
		// only reachable with a broken template literal
		return fmt.Sprintf("/im/lanternchat/connection/%s/channel/%s/%s", account, kind, id)
	}
	return path
}

// ParseObjectPath splits an object path back into its components.
func ParseObjectPath(path string) (account, kind, id string, ok bool) {
	values := objectPathTemplate.Match(path)
	if values == nil {
		return "", "", "", false
	}
	return values.Get("account").String(), values.Get("kind").String(), values.Get("id").String(), true
}
