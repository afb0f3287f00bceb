// Package connection implements the session core: a state machine
// driving one account's stream from new through connecting and
// connected to disconnected, and the operations a local caller runs
// against the live session: requesting channels, interning handles and
// advertising capabilities.
package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/lanternchat/go-xcm/channel"
	"github.com/lanternchat/go-xcm/disco"
	"github.com/lanternchat/go-xcm/handles"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
	"github.com/lanternchat/go-xcm/transport"
)

const defaultResource = "xcm"

// Connection is one account's session.
type Connection struct {
	account  string
	password string

	username string
	server   string
	resource string

	transport transport.StreamTransport
	repo      *handles.Repo
	disco     *disco.Service
	logger    pkg.Logger

	register                 bool
	fallbackConferenceServer string
	discoTimeout             time.Duration

	im             *channel.IMFactory
	muc            *channel.MucFactory
	extraFactories []channel.Factory
	factories      []channel.Factory

	mu         sync.Mutex
	status     protocol.ConnectionStatus
	selfHandle protocol.Handle
	features   protocol.ConnectionFeatures

	// channel request queue, guarded by reqMu
	reqMu       sync.Mutex
	pendingReqs []*channelRequest

	// capability state, guarded by capsMu
	capsMu     sync.Mutex
	capsMask   uint32
	capsSerial uint32

	// peer capability masks keyed by bare jid
	peerCaps pkg.SyncMap[uint32]

	onStatus      func(change protocol.StatusChange)
	onNewChannel  func(event protocol.NewChannelEvent)
	onCapsChanged func(changes []protocol.CapabilityChange)
	onClosed      func()

	closedFired *pkg.AtomicBool
}

// New builds a session for an account jid of the form
// user@server or user@server/resource. Nothing touches the network
// until Connect.
func New(account, password string, t transport.StreamTransport, opts ...Option) *Connection {
	c := &Connection{
		account:      account,
		password:     password,
		transport:    t,
		repo:         handles.NewRepo(),
		logger:       pkg.DefaultLogger,
		discoTimeout: disco.DefaultRequestTimeout,
		status:       protocol.StatusNew,
		capsMask:     initialCapsMask,
		closedFired:  pkg.NewAtomicBool(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.disco = disco.NewService(c, disco.WithLogger(c.logger), disco.WithRequestTimeout(c.discoTimeout))

	c.im = channel.NewIMFactory(account, c.repo)
	c.muc = channel.NewMucFactory(account, c.repo)
	c.muc.SetRoomServer(c.fallbackConferenceServer)
	c.muc.SetRoomServerResolver(func() string {
		server, _ := c.disco.FindService(protocol.NSMUC)
		return server
	})
	c.factories = append([]channel.Factory{c.im, c.muc}, c.extraFactories...)

	return c
}

// Status returns the externally visible session state.
func (c *Connection) Status() protocol.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// SelfHandle is the contact handle of the account itself, minted at
// Connect and valid until the session ends.
func (c *Connection) SelfHandle() protocol.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.selfHandle
}

// Features reports the server feature flags learned during the
// feature-discovery stage.
func (c *Connection) Features() protocol.ConnectionFeatures {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.features
}

// Handles exposes the session's handle registry.
func (c *Connection) Handles() *handles.Repo {
	return c.repo
}

// Send marshals and writes one stanza with no reply correlation.
func (c *Connection) Send(st *protocol.Stanza) error {
	msg, err := st.Marshal()
	if err != nil {
		return err
	}
	return c.transport.Send(msg)
}

// SendIQ writes an iq and delivers its decoded reply, or the transport
// failure, on onReply exactly once.
func (c *Connection) SendIQ(iq *protocol.Stanza, onReply func(reply *protocol.Stanza, err error)) error {
	msg, err := iq.Marshal()
	if err != nil {
		return err
	}
	return c.transport.SendWithReply(msg, func(reply transport.Message, err error) {
		if err != nil {
			onReply(nil, err)
			return
		}
		var st protocol.Stanza
		if err := pkg.JSONUnmarshal(reply, &st); err != nil {
			onReply(nil, err)
			return
		}
		onReply(&st, nil)
	})
}

func (c *Connection) statusIs(s protocol.ConnectionStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status == s
}

func (c *Connection) requireConnected() error {
	if !c.statusIs(protocol.StatusConnected) {
		return fmt.Errorf("%w: connection is not connected", pkg.ErrDisconnected)
	}
	return nil
}
