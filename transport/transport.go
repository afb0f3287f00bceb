// Package transport defines the stream collaborator boundary. The
// session core never parses the wire format; it exchanges decoded
// stanza envelopes (JSON frames) with a StreamTransport and is driven
// by its completion callbacks.
package transport

import "context"

type Message = []byte

// StreamReceiver consumes inbound stanzas that are not replies to an
// outstanding SendWithReply.
type StreamReceiver interface {
	Receive(ctx context.Context, msg Message) error
}

type StreamReceiverF func(ctx context.Context, msg Message) error

func (f StreamReceiverF) Receive(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// StreamTransport is the connection to the message server. Open and
// Authenticate are asynchronous: they return immediately and deliver
// their outcome on the given callback, at most once.
type StreamTransport interface {
	// Open establishes the stream. An error return means the attempt
	// could not even be started; otherwise onComplete fires later.
	Open(onComplete func(err error)) error

	// Authenticate runs the transport's authentication mechanism for
	// the given credentials.
	Authenticate(username, password, resource string, onComplete func(err error)) error

	// Send writes one stanza with no reply correlation.
	Send(msg Message) error

	// SendWithReply writes a stanza whose id will be answered by the
	// server; the reply (or transport failure) is delivered on onReply
	// exactly once.
	SendWithReply(msg Message, onReply func(reply Message, err error)) error

	// SetReceiver installs the consumer of unsolicited inbound
	// stanzas. A nil receiver detaches.
	SetReceiver(receiver StreamReceiver)

	// SetDisconnectHandler installs the callback fired when the stream
	// goes away, with nil for a locally requested close.
	SetDisconnectHandler(handler func(err error))

	IsOpen() bool

	// CancelOpen abandons an in-flight Open; its onComplete will not
	// fire.
	CancelOpen()

	// Close shuts the stream down. The disconnect handler fires once
	// the stream is actually gone.
	Close() error
}
