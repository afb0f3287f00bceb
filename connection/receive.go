package connection

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
	"github.com/lanternchat/go-xcm/transport"
)

// receive consumes unsolicited inbound stanzas. Replies to our own
// iqs never get here; the transport routes those by id.
func (c *Connection) receive(_ context.Context, msg transport.Message) error {
	switch gjson.GetBytes(msg, "kind").String() {
	case protocol.KindMessage:
		return c.receiveMessage(msg)
	case protocol.KindPresence:
		return c.receivePresence(msg)
	case protocol.KindIQ:
		return c.receiveIQ(msg)
	default:
		c.logger.Debugf("dropping stanza of unknown kind: %s", msg)
		return nil
	}
}

func (c *Connection) receiveMessage(msg transport.Message) error {
	var st protocol.Stanza
	if err := pkg.JSONUnmarshal(msg, &st); err != nil {
		return err
	}
	if st.From == "" || st.Body == "" {
		return nil
	}

	// a room we're in wins over a contact with the same jid shape
	if c.repo.RoomExists(st.From) {
		c.muc.Deliver(st.From, st.Body)
		return nil
	}
	c.im.Deliver(st.From, st.Body)
	return nil
}

func (c *Connection) receivePresence(msg transport.Message) error {
	var st protocol.Stanza
	if err := pkg.JSONUnmarshal(msg, &st); err != nil {
		return err
	}
	if st.From == "" || st.Caps == nil {
		return nil
	}
	c.updatePeerCaps(st.From, st.Caps)
	return nil
}

func (c *Connection) receiveIQ(msg transport.Message) error {
	var st protocol.Stanza
	if err := pkg.JSONUnmarshal(msg, &st); err != nil {
		return err
	}

	if st.Type == protocol.IQGet && st.Query != nil && st.Query.NS == protocol.NSDiscoInfo {
		return c.Send(protocol.NewResultIQ(&st, &protocol.Query{
			NS:       protocol.NSDiscoInfo,
			Node:     st.Query.Node,
			Features: c.ownFeatures(),
			Identities: []protocol.Identity{
				{Category: "client", Type: "pc", Name: "xcm"},
			},
		}))
	}

	if st.Type == protocol.IQGet || st.Type == protocol.IQSet {
		reply := protocol.NewResultIQ(&st, nil)
		reply.Type = protocol.IQError
		reply.Error = &protocol.StanzaError{Code: 501, Kind: "cancel", Message: "feature not implemented"}
		return c.Send(reply)
	}

	c.logger.Debugf("dropping uncorrelated iq %s from %s", st.ID, st.From)
	return nil
}
