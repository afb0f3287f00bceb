package channel

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/lanternchat/go-xcm/handles"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

// TextChannel is a one-to-one conversation with a contact.
type TextChannel struct {
	factory *IMFactory

	objectPath string
	handle     protocol.Handle

	mu        sync.Mutex
	closed    bool
	onMessage func(from string, body string)
}

func (c *TextChannel) ObjectPath() string  { return c.objectPath }
func (c *TextChannel) ChannelType() string { return protocol.ChannelTypeText }

func (c *TextChannel) TargetHandleType() protocol.HandleType {
	return protocol.HandleTypeContact
}

func (c *TextChannel) TargetHandle() protocol.Handle { return c.handle }

// SetMessageHandler installs the consumer of inbound messages on this
// channel.
func (c *TextChannel) SetMessageHandler(handler func(from, body string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMessage = handler
}

// Send delivers one plain text message to the channel's contact.
func (c *TextChannel) Send(body string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: channel is closed", pkg.ErrNotAvailable)
	}

	c.factory.mu.Lock()
	sender := c.factory.sender
	c.factory.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: no stream", pkg.ErrDisconnected)
	}

	jid := c.factory.repo.Inspect(protocol.HandleTypeContact, c.handle)
	if jid == "" {
		return fmt.Errorf("%w: handle %d", pkg.ErrInvalidHandle, c.handle)
	}
	return sender.Send(protocol.NewMessage(jid, body))
}

func (c *TextChannel) deliver(from, body string) {
	c.mu.Lock()
	handler := c.onMessage
	closed := c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(from, body)
}

func (c *TextChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.factory.forget(c)
	return nil
}

// IMFactory creates one-to-one text channels, both for local requests
// and for inbound messages from contacts with no open channel yet.
type IMFactory struct {
	account string
	repo    *handles.Repo
	sender  Sender

	mu       sync.Mutex
	channels map[protocol.Handle]*TextChannel

	onNew   func(ch Channel, requested bool)
	onError func(ch Channel, err error)
}

func NewIMFactory(account string, repo *handles.Repo) *IMFactory {
	return &IMFactory{
		account:  account,
		repo:     repo,
		channels: make(map[protocol.Handle]*TextChannel),
	}
}

func (f *IMFactory) SetHandlers(onNew func(ch Channel, requested bool), onError func(ch Channel, err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onNew = onNew
	f.onError = onError
}

// SetSender attaches the stream once the session owns one.
func (f *IMFactory) SetSender(sender Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sender = sender
}

func (f *IMFactory) Request(req Request) (Channel, RequestStatus, error) {
	if req.ChannelType != protocol.ChannelTypeText {
		return nil, RequestNotImplemented, nil
	}
	if req.HandleType != protocol.HandleTypeContact {
		return nil, RequestNotAvailable, fmt.Errorf("%w: text channels to handle type %s", pkg.ErrNotAvailable, req.HandleType)
	}
	if !f.repo.IsValid(protocol.HandleTypeContact, req.Handle) {
		return nil, RequestInvalidHandle, fmt.Errorf("%w: handle %d", pkg.ErrInvalidHandle, req.Handle)
	}

	f.mu.Lock()
	existing := f.channels[req.Handle]
	f.mu.Unlock()

	if existing != nil {
		if req.MustBeNew {
			return nil, RequestError, fmt.Errorf("%w: text channel to handle %d", pkg.ErrChannelExists, req.Handle)
		}
		return existing, RequestDone, nil
	}

	ch := f.create(req.Handle, true)
	return ch, RequestDone, nil
}

// GetOrCreate returns the channel for a contact, announcing a fresh
// one if none exists. Used on inbound messages.
func (f *IMFactory) GetOrCreate(h protocol.Handle) *TextChannel {
	f.mu.Lock()
	existing := f.channels[h]
	f.mu.Unlock()

	if existing != nil {
		return existing
	}
	return f.create(h, false)
}

// Deliver routes an inbound message to its channel, creating the
// channel first if needed.
func (f *IMFactory) Deliver(from string, body string) {
	h := f.repo.ForContact(from)
	if h == 0 {
		return
	}
	f.GetOrCreate(h).deliver(from, body)
}

func (f *IMFactory) create(h protocol.Handle, requested bool) *TextChannel {
	ch := &TextChannel{
		factory:    f,
		objectPath: ObjectPath(f.account, "text", strconv.FormatUint(uint64(h), 10)),
		handle:     h,
	}

	f.mu.Lock()
	// lost a race with a concurrent create for the same contact
	if existing := f.channels[h]; existing != nil {
		f.mu.Unlock()
		return existing
	}
	f.repo.Ref(protocol.HandleTypeContact, h)
	f.channels[h] = ch
	onNew := f.onNew
	f.mu.Unlock()

	if onNew != nil {
		onNew(ch, requested)
	}
	return ch
}

func (f *IMFactory) forget(ch *TextChannel) {
	f.mu.Lock()
	if f.channels[ch.handle] == ch {
		delete(f.channels, ch.handle)
		f.repo.Unref(protocol.HandleTypeContact, ch.handle)
	}
	f.mu.Unlock()
}

func (f *IMFactory) Connecting()   {}
func (f *IMFactory) Connected()    {}
func (f *IMFactory) Disconnected() { f.CloseAll() }

func (f *IMFactory) CloseAll() {
	f.mu.Lock()
	open := make([]*TextChannel, 0, len(f.channels))
	for _, ch := range f.channels {
		open = append(open, ch)
	}
	f.mu.Unlock()

	for _, ch := range open {
		_ = ch.Close()
	}
}
