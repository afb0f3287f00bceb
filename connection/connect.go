package connection

import (
	"errors"
	"fmt"

	"github.com/lanternchat/go-xcm/disco"
	"github.com/lanternchat/go-xcm/handles"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
	"github.com/lanternchat/go-xcm/transport"
)

// Connect starts the session from the new state; progress and outcome
// are reported through the status handler. Calling it again while the
// session is connecting or connected succeeds without effect. A
// disconnected session is spent and cannot be restarted.
//
// The stages run strictly in order: open the stream, optionally
// register the account, authenticate, discover server features,
// announce our presence. Each stage's completion callback rechecks the
// status first, so a teardown racing a stage quietly wins.
func (c *Connection) Connect() error {
	c.mu.Lock()
	switch c.status {
	case protocol.StatusConnecting, protocol.StatusConnected:
		c.mu.Unlock()
		return nil
	case protocol.StatusDisconnected:
		c.mu.Unlock()
		return fmt.Errorf("%w: session is over", pkg.ErrDisconnected)
	}

	node, domain, resource := handles.DecodeJID(c.account)
	if node == "" || domain == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: account %q is not of the form user@server", pkg.ErrInvalidArgument, c.account)
	}
	if resource == "" {
		resource = defaultResource
	}
	c.username = node
	c.server = domain
	c.resource = resource

	h := c.repo.ForContact(node + "@" + domain)
	c.repo.Ref(protocol.HandleTypeContact, h)
	c.selfHandle = h
	c.mu.Unlock()

	for _, f := range c.factories {
		f.SetHandlers(c.newChannelCb, c.channelErrorCb)
	}
	c.im.SetSender(c)
	c.muc.SetSender(c)

	c.transport.SetReceiver(transport.StreamReceiverF(c.receive))
	c.transport.SetDisconnectHandler(c.streamDisconnected)

	c.statusChange(protocol.StatusConnecting, protocol.ReasonRequested)
	for _, f := range c.factories {
		f.Connecting()
	}

	if err := c.transport.Open(c.openDone); err != nil {
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
		return pkg.NewStreamError("open", err)
	}
	return nil
}

// Disconnect ends the session. Safe to call in any state, including
// repeatedly.
func (c *Connection) Disconnect() {
	c.statusChange(protocol.StatusDisconnected, protocol.ReasonRequested)
}

// statusChange moves the session to a new status and tells the world.
//
// Three transitions are special. A repeated status is dropped.
// Disconnected is terminal: a stage completion racing a teardown loses
// here, under the same lock that sets the status. And a session torn
// down before it ever left new jumps straight to disconnected without
// announcing any status: nobody was told the session existed, so only
// the closed notification fires.
func (c *Connection) statusChange(status protocol.ConnectionStatus, reason protocol.StatusReason) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		c.logger.Warnf("ignoring no-op status change to %s", status)
		return
	}
	if c.status == protocol.StatusDisconnected {
		c.mu.Unlock()
		c.logger.Debugf("session already disconnected, dropping status change to %s", status)
		return
	}
	previous := c.status
	c.status = status
	onStatus := c.onStatus
	c.mu.Unlock()

	if previous == protocol.StatusNew && status == protocol.StatusDisconnected {
		c.logger.Debugf("session closed before connecting, skipping status announcement")
		c.shutdown()
		return
	}

	c.logger.Debugf("status %s -> %s (%s)", previous, status, reason)
	if onStatus != nil {
		onStatus(protocol.StatusChange{Status: status, Reason: reason})
	}

	if status == protocol.StatusDisconnected {
		c.shutdown()
	}
}

// shutdown releases everything the session holds. Runs at most once;
// the status guard in statusChange keeps re-entry out.
func (c *Connection) shutdown() {
	c.failAllPending()
	for _, f := range c.factories {
		f.Disconnected()
	}
	c.disco.CancelAll()

	if c.transport.IsOpen() {
		if err := c.transport.Close(); err != nil {
			c.logger.Warnf("closing stream: %v", err)
		}
	} else {
		c.transport.CancelOpen()
	}

	c.mu.Lock()
	selfHandle := c.selfHandle
	c.selfHandle = 0
	onClosed := c.onClosed
	c.mu.Unlock()

	if selfHandle != 0 {
		c.repo.Unref(protocol.HandleTypeContact, selfHandle)
	}

	if onClosed != nil && c.closedFired.CompareAndSwap(false, true) {
		onClosed()
	}
}

// streamDisconnected fires when the stream dies underneath us. A nil
// cause is a close we drove ourselves and is already handled.
func (c *Connection) streamDisconnected(err error) {
	if err == nil {
		return
	}
	c.logger.Infof("stream lost: %v", err)
	c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
}

func (c *Connection) openDone(err error) {
	if !c.statusIs(protocol.StatusConnecting) {
		return
	}
	if err != nil {
		c.logger.Errorf("stream open fail: %v", err)
		c.statusChange(protocol.StatusDisconnected, reasonForStreamError(err))
		return
	}

	if c.register {
		c.doRegister()
		return
	}
	c.doAuthenticate()
}

func (c *Connection) doRegister() {
	iq := protocol.NewIQ(protocol.IQSet, c.server, &protocol.Query{
		NS:       protocol.NSRegister,
		Username: c.username,
		Password: c.password,
	})
	if err := c.SendIQ(iq, c.registerDone); err != nil {
		c.logger.Errorf("sending registration: %v", err)
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
	}
}

func (c *Connection) registerDone(reply *protocol.Stanza, err error) {
	if !c.statusIs(protocol.StatusConnecting) {
		return
	}
	if err != nil {
		c.logger.Errorf("registration fail: %v", err)
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
		return
	}
	if reply.Type == protocol.IQError {
		reason := protocol.ReasonAuthenticationFailed
		if reply.Error != nil && reply.Error.Code == 409 {
			reason = protocol.ReasonNameInUse
		}
		c.logger.Errorf("registration refused: %v", reply.Error)
		c.statusChange(protocol.StatusDisconnected, reason)
		return
	}

	c.doAuthenticate()
}

func (c *Connection) doAuthenticate() {
	if err := c.transport.Authenticate(c.username, c.password, c.resource, c.authDone); err != nil {
		c.logger.Errorf("starting authentication: %v", err)
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
	}
}

func (c *Connection) authDone(err error) {
	if !c.statusIs(protocol.StatusConnecting) {
		return
	}
	if err != nil {
		c.logger.Errorf("authentication fail: %v", err)
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonAuthenticationFailed)
		return
	}

	if _, err := c.disco.Request(disco.TypeInfo, c.server, "", c.serverDiscoDone); err != nil {
		c.logger.Errorf("starting server feature discovery: %v", err)
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
	}
}

func (c *Connection) serverDiscoDone(jid, _ string, query *protocol.Query, err error) {
	if !c.statusIs(protocol.StatusConnecting) {
		return
	}

	// a server that won't answer disco still works, just featureless
	var features protocol.ConnectionFeatures
	if err != nil {
		c.logger.Warnf("server feature discovery on %s fail: %v", jid, err)
	} else {
		for _, f := range query.Features {
			switch f {
			case protocol.NSPrivacy:
				features |= protocol.FeaturePrivacy
			case protocol.NSPresenceInvisible:
				features |= protocol.FeaturePresenceInvisible
			}
		}
	}

	c.mu.Lock()
	c.features = features
	c.mu.Unlock()

	c.disco.WalkItems(c.server)

	if err := c.signalOwnPresence(""); err != nil {
		c.logger.Errorf("announcing presence: %v", err)
		c.statusChange(protocol.StatusDisconnected, protocol.ReasonNetworkError)
		return
	}

	c.statusChange(protocol.StatusConnected, protocol.ReasonRequested)
	for _, f := range c.factories {
		f.Connected()
	}
}

func reasonForStreamError(err error) protocol.StatusReason {
	var streamErr *pkg.StreamError
	if errors.As(err, &streamErr) && streamErr.Stage == "tls" {
		return protocol.ReasonEncryptionError
	}
	switch {
	case errors.Is(err, pkg.ErrAuthFailed):
		return protocol.ReasonAuthenticationFailed
	case errors.Is(err, pkg.ErrEncryption):
		return protocol.ReasonEncryptionError
	case errors.Is(err, pkg.ErrNameInUse):
		return protocol.ReasonNameInUse
	default:
		return protocol.ReasonNetworkError
	}
}
