package channel

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/lanternchat/go-xcm/handles"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

// RoomChannel is a multi-user conversation. It starts out joining; the
// factory announces it only once the join round-trip succeeds.
type RoomChannel struct {
	factory *MucFactory

	objectPath string
	handle     protocol.Handle

	mu        sync.Mutex
	closed    bool
	joined    bool
	onMessage func(from, body string)
}

func (c *RoomChannel) ObjectPath() string  { return c.objectPath }
func (c *RoomChannel) ChannelType() string { return protocol.ChannelTypeText }

func (c *RoomChannel) TargetHandleType() protocol.HandleType {
	return protocol.HandleTypeRoom
}

func (c *RoomChannel) TargetHandle() protocol.Handle { return c.handle }

func (c *RoomChannel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.joined
}

func (c *RoomChannel) SetMessageHandler(handler func(from, body string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMessage = handler
}

// Send delivers one message to the room.
func (c *RoomChannel) Send(body string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel is closed", pkg.ErrNotAvailable)
	}
	if !c.joined {
		c.mu.Unlock()
		return fmt.Errorf("%w: room not joined yet", pkg.ErrNotAvailable)
	}
	c.mu.Unlock()

	c.factory.mu.Lock()
	sender := c.factory.sender
	c.factory.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: no stream", pkg.ErrDisconnected)
	}

	jid := c.factory.repo.Inspect(protocol.HandleTypeRoom, c.handle)
	if jid == "" {
		return fmt.Errorf("%w: handle %d", pkg.ErrInvalidHandle, c.handle)
	}
	return sender.Send(protocol.NewMessage(jid, body))
}

func (c *RoomChannel) deliver(from, body string) {
	c.mu.Lock()
	handler := c.onMessage
	closed := c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(from, body)
}

func (c *RoomChannel) Close() error {
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

// RoomListChannel lists the rooms hosted by the conference service.
type RoomListChannel struct {
	factory *MucFactory

	objectPath string
	server     string

	mu     sync.Mutex
	closed bool
}

func (c *RoomListChannel) ObjectPath() string  { return c.objectPath }
func (c *RoomListChannel) ChannelType() string { return protocol.ChannelTypeRoomList }

func (c *RoomListChannel) TargetHandleType() protocol.HandleType {
	return protocol.HandleTypeNone
}

func (c *RoomListChannel) TargetHandle() protocol.Handle { return 0 }

// ListRooms asks the conference service for its rooms. onDone fires
// exactly once with either the items or an error.
func (c *RoomListChannel) ListRooms(onDone func(items []protocol.Item, err error)) error {
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

	iq := protocol.NewIQ(protocol.IQGet, c.server, &protocol.Query{NS: protocol.NSDiscoItems})
	return sender.SendIQ(iq, func(reply *protocol.Stanza, err error) {
		if err != nil {
			onDone(nil, err)
			return
		}
		if reply.Type == protocol.IQError || reply.Query == nil {
			onDone(nil, fmt.Errorf("%w: room listing refused by %s", pkg.ErrNotAvailable, c.server))
			return
		}
		onDone(reply.Query.Items, nil)
	})
}

func (c *RoomListChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.factory.mu.Lock()
	if c.factory.roomlist == c {
		c.factory.roomlist = nil
	}
	c.factory.mu.Unlock()
	return nil
}

// MucFactory creates room text channels and the room listing channel.
type MucFactory struct {
	account string
	repo    *handles.Repo

	mu            sync.Mutex
	sender        Sender
	roomServer    string
	resolveServer func() string
	channels      map[protocol.Handle]*RoomChannel
	pending       map[protocol.Handle]*RoomChannel
	roomlist      *RoomListChannel

	onNew   func(ch Channel, requested bool)
	onError func(ch Channel, err error)
}

func NewMucFactory(account string, repo *handles.Repo) *MucFactory {
	return &MucFactory{
		account:  account,
		repo:     repo,
		channels: make(map[protocol.Handle]*RoomChannel),
		pending:  make(map[protocol.Handle]*RoomChannel),
	}
}

func (f *MucFactory) SetHandlers(onNew func(ch Channel, requested bool), onError func(ch Channel, err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onNew = onNew
	f.onError = onError
}

func (f *MucFactory) SetSender(sender Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sender = sender
}

// SetRoomServer records the conference service configured for this
// session.
func (f *MucFactory) SetRoomServer(server string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roomServer = server
}

// SetRoomServerResolver installs a fallback lookup consulted when no
// conference service is configured, typically backed by service
// discovery.
func (f *MucFactory) SetRoomServerResolver(resolve func() string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resolveServer = resolve
}

func (f *MucFactory) Request(req Request) (Channel, RequestStatus, error) {
	switch req.ChannelType {
	case protocol.ChannelTypeText:
		return f.requestRoom(req)
	case protocol.ChannelTypeRoomList:
		return f.requestRoomList(req)
	default:
		return nil, RequestNotImplemented, nil
	}
}

func (f *MucFactory) requestRoom(req Request) (Channel, RequestStatus, error) {
	if req.HandleType != protocol.HandleTypeRoom {
		return nil, RequestNotImplemented, nil
	}
	if !f.repo.IsValid(protocol.HandleTypeRoom, req.Handle) {
		return nil, RequestInvalidHandle, fmt.Errorf("%w: handle %d", pkg.ErrInvalidHandle, req.Handle)
	}

	f.mu.Lock()
	if existing := f.channels[req.Handle]; existing != nil {
		f.mu.Unlock()
		if req.MustBeNew {
			return nil, RequestError, fmt.Errorf("%w: room channel for handle %d", pkg.ErrChannelExists, req.Handle)
		}
		return existing, RequestDone, nil
	}
	if f.pending[req.Handle] != nil {
		// a join is already in flight; the announce satisfies this
		// requester too
		f.mu.Unlock()
		return nil, RequestQueued, nil
	}
	sender := f.sender
	if sender == nil {
		f.mu.Unlock()
		return nil, RequestNotAvailable, fmt.Errorf("%w: no stream", pkg.ErrDisconnected)
	}

	ch := &RoomChannel{
		factory:    f,
		objectPath: ObjectPath(f.account, "muc", strconv.FormatUint(uint64(req.Handle), 10)),
		handle:     req.Handle,
	}
	f.repo.Ref(protocol.HandleTypeRoom, req.Handle)
	f.pending[req.Handle] = ch
	f.mu.Unlock()

	jid := f.repo.Inspect(protocol.HandleTypeRoom, req.Handle)
	iq := protocol.NewIQ(protocol.IQSet, jid, &protocol.Query{NS: protocol.NSMUC})
	if err := sender.SendIQ(iq, func(reply *protocol.Stanza, err error) {
		f.joinDone(ch, reply, err)
	}); err != nil {
		f.mu.Lock()
		delete(f.pending, req.Handle)
		f.mu.Unlock()
		f.repo.Unref(protocol.HandleTypeRoom, req.Handle)
		return nil, RequestError, fmt.Errorf("%w: joining %s: %v", pkg.ErrNetwork, jid, err)
	}

	return nil, RequestQueued, nil
}

func (f *MucFactory) joinDone(ch *RoomChannel, reply *protocol.Stanza, err error) {
	f.mu.Lock()
	if f.pending[ch.handle] != ch {
		// lost to Disconnected teardown
		f.mu.Unlock()
		return
	}
	delete(f.pending, ch.handle)

	if err == nil && reply.Type == protocol.IQError {
		err = fmt.Errorf("%w: room join refused", pkg.ErrNotAvailable)
		if reply.Error != nil {
			err = fmt.Errorf("%w: room join refused: %s", pkg.ErrNotAvailable, reply.Error.Message)
		}
	}

	if err != nil {
		onError := f.onError
		f.mu.Unlock()
		f.repo.Unref(protocol.HandleTypeRoom, ch.handle)
		if onError != nil {
			onError(ch, err)
		}
		return
	}

	ch.mu.Lock()
	ch.joined = true
	ch.mu.Unlock()

	f.channels[ch.handle] = ch
	onNew := f.onNew
	f.mu.Unlock()

	if onNew != nil {
		onNew(ch, true)
	}
}

func (f *MucFactory) requestRoomList(req Request) (Channel, RequestStatus, error) {
	if req.HandleType != protocol.HandleTypeNone || req.Handle != 0 {
		return nil, RequestNotAvailable, fmt.Errorf("%w: room lists take no target", pkg.ErrNotAvailable)
	}

	f.mu.Lock()
	if existing := f.roomlist; existing != nil {
		f.mu.Unlock()
		if req.MustBeNew {
			return nil, RequestError, fmt.Errorf("%w: room list channel", pkg.ErrChannelExists)
		}
		return existing, RequestDone, nil
	}
	fallback := f.roomServer
	resolve := f.resolveServer
	f.mu.Unlock()

	// a discovered conference service wins over the configured one
	var server string
	if resolve != nil {
		server = resolve()
	}
	if server == "" {
		server = fallback
	}
	if server == "" {
		return nil, RequestNotAvailable, fmt.Errorf("%w: no conference service known", pkg.ErrNotAvailable)
	}

	ch := &RoomListChannel{
		factory:    f,
		objectPath: ObjectPath(f.account, "roomlist", server),
		server:     server,
	}

	f.mu.Lock()
	if f.roomlist != nil {
		existing := f.roomlist
		f.mu.Unlock()
		return existing, RequestDone, nil
	}
	f.roomlist = ch
	f.mu.Unlock()

	return ch, RequestDone, nil
}

// Deliver routes an inbound room message to its channel. Messages for
// rooms with no live channel are dropped; joins are always local.
func (f *MucFactory) Deliver(from, body string) {
	h := f.repo.ForRoom(from)
	if h == 0 {
		return
	}

	f.mu.Lock()
	ch := f.channels[h]
	f.mu.Unlock()

	if ch != nil {
		ch.deliver(from, body)
	}
}

// HasRoom reports whether a live or joining channel exists for a room
// handle.
func (f *MucFactory) HasRoom(h protocol.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.channels[h] != nil || f.pending[h] != nil
}

func (f *MucFactory) forget(ch *RoomChannel) {
	f.mu.Lock()
	if f.channels[ch.handle] == ch {
		delete(f.channels, ch.handle)
		f.repo.Unref(protocol.HandleTypeRoom, ch.handle)
	}
	f.mu.Unlock()
}

func (f *MucFactory) Connecting()   {}
func (f *MucFactory) Connected()    {}
func (f *MucFactory) Disconnected() { f.CloseAll() }

func (f *MucFactory) CloseAll() {
	f.mu.Lock()
	open := make([]*RoomChannel, 0, len(f.channels))
	for _, ch := range f.channels {
		open = append(open, ch)
	}
	joining := make([]*RoomChannel, 0, len(f.pending))
	for _, ch := range f.pending {
		joining = append(joining, ch)
	}
	f.pending = make(map[protocol.Handle]*RoomChannel)
	roomlist := f.roomlist
	f.roomlist = nil
	onError := f.onError
	f.mu.Unlock()

	for _, ch := range joining {
		f.repo.Unref(protocol.HandleTypeRoom, ch.handle)
		if onError != nil {
			onError(ch, fmt.Errorf("%w: connection closed", pkg.ErrDisconnected))
		}
	}
	for _, ch := range open {
		_ = ch.Close()
	}
	if roomlist != nil {
		_ = roomlist.Close()
	}
}
