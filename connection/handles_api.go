package connection

import (
	"context"
	"fmt"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

// RequestHandles interns names of one handle type and holds the
// resulting handles on behalf of the named client. Room names go
// through service verification and may block on the network; every
// other type resolves locally.
//
// All or nothing: if any name fails, no handle is minted or held.
func (c *Connection) RequestHandles(ctx context.Context, client string, t protocol.HandleType, names []string) ([]protocol.Handle, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if client == "" {
		return nil, fmt.Errorf("%w: empty client name", pkg.ErrInvalidArgument)
	}

	switch t {
	case protocol.HandleTypeContact:
		return c.requestLocalHandles(client, t, names, c.repo.ForContact)
	case protocol.HandleTypeRoom:
		return c.requestRoomHandles(ctx, client, names)
	case protocol.HandleTypeList:
		return c.requestLocalHandles(client, t, names, c.repo.ForList)
	case protocol.HandleTypeGroup:
		return c.requestLocalHandles(client, t, names, c.repo.ForGroup)
	default:
		return nil, fmt.Errorf("%w: handle type %d", pkg.ErrInvalidArgument, t)
	}
}

func (c *Connection) requestLocalHandles(client string, t protocol.HandleType, names []string, intern func(string) protocol.Handle) ([]protocol.Handle, error) {
	hs := make([]protocol.Handle, len(names))
	for i, name := range names {
		h := intern(name)
		if h == 0 {
			return nil, fmt.Errorf("%w: %q is not a valid %s name", pkg.ErrInvalidHandle, name, t)
		}
		hs[i] = h
	}
	for _, h := range hs {
		if err := c.repo.ClientHold(client, t, h); err != nil {
			return nil, err
		}
	}
	return hs, nil
}

// HoldHandles marks already-valid handles as held by a client.
func (c *Connection) HoldHandles(client string, t protocol.HandleType, hs []protocol.Handle) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := c.repo.AreValid(t, hs, false); err != nil {
		return err
	}
	for _, h := range hs {
		if err := c.repo.ClientHold(client, t, h); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseHandles drops holds made by RequestHandles or HoldHandles.
func (c *Connection) ReleaseHandles(client string, t protocol.HandleType, hs []protocol.Handle) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := c.repo.AreValid(t, hs, false); err != nil {
		return err
	}

	var errList []error
	for _, h := range hs {
		if err := c.repo.ClientRelease(client, t, h); err != nil {
			errList = append(errList, err)
		}
	}
	return pkg.JoinErrors(errList)
}

// InspectHandles maps handles back to their interned names.
func (c *Connection) InspectHandles(t protocol.HandleType, hs []protocol.Handle) ([]string, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if err := c.repo.AreValid(t, hs, false); err != nil {
		return nil, err
	}

	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = c.repo.Inspect(t, h)
	}
	return names, nil
}

// ReleaseClientHolds drops every hold of a client that went away.
func (c *Connection) ReleaseClientHolds(client string) {
	c.repo.ClientReleaseAll(client)
}
