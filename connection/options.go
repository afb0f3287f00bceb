package connection

import (
	"time"

	"github.com/lanternchat/go-xcm/channel"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

type Option func(*Connection)

func WithLogger(logger pkg.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithRegister makes Connect create the account on the server before
// authenticating.
func WithRegister() Option {
	return func(c *Connection) {
		c.register = true
	}
}

// WithFallbackConferenceServer sets the conference service used to
// qualify bare room names when discovery finds none.
func WithFallbackConferenceServer(server string) Option {
	return func(c *Connection) {
		c.fallbackConferenceServer = server
	}
}

// WithChannelFactory appends an extra channel factory consulted after
// the built-in ones.
func WithChannelFactory(f channel.Factory) Option {
	return func(c *Connection) {
		c.extraFactories = append(c.extraFactories, f)
	}
}

// WithDiscoTimeout bounds each service-discovery round-trip.
func WithDiscoTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		c.discoTimeout = timeout
	}
}

// WithStatusHandler installs the observer of status transitions.
func WithStatusHandler(handler func(change protocol.StatusChange)) Option {
	return func(c *Connection) {
		c.onStatus = handler
	}
}

// WithNewChannelHandler installs the observer of announced channels.
func WithNewChannelHandler(handler func(event protocol.NewChannelEvent)) Option {
	return func(c *Connection) {
		c.onNewChannel = handler
	}
}

// WithCapabilitiesChangedHandler installs the observer of capability
// diffs, both our own and those of peers.
func WithCapabilitiesChangedHandler(handler func(changes []protocol.CapabilityChange)) Option {
	return func(c *Connection) {
		c.onCapsChanged = handler
	}
}

// WithClosedHandler installs the callback fired exactly once when the
// session is over and every resource is released.
func WithClosedHandler(handler func()) Option {
	return func(c *Connection) {
		c.onClosed = handler
	}
}
