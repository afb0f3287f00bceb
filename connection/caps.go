package connection

import (
	"strconv"

	"github.com/lanternchat/go-xcm/protocol"
)

const capsNode = "https://lanternchat.im/xcm"

// Capability bits of the presence mask. The mask travels in the caps
// ver field as hex, so peers learn our channel types from presence
// alone.
const (
	capMaskText uint32 = 1 << iota
	capMaskRoomList
)

// initialCapsMask is what a fresh session advertises before anyone
// calls AdvertiseCapabilities: plain text conversations.
const initialCapsMask = capMaskText

// capsTable converts between channel type interfaces and mask bits.
var capsTable = []struct {
	iface string
	mask  uint32
	flags uint32
}{
	{protocol.ChannelTypeText, capMaskText, protocol.CapabilityFlagCreate},
	{protocol.ChannelTypeRoomList, capMaskRoomList, protocol.CapabilityFlagCreate},
}

// featureTable lists the disco feature strings implied by each mask
// bit, answered on inbound disco#info.
var featureTable = []struct {
	feature string
	mask    uint32
}{
	{protocol.ChannelTypeText, capMaskText},
	{protocol.ChannelTypeRoomList, capMaskRoomList},
	{protocol.NSMUC, capMaskRoomList},
}

func maskForInterfaces(ifaces []string) uint32 {
	var mask uint32
	for _, iface := range ifaces {
		for _, entry := range capsTable {
			if entry.iface == iface {
				mask |= entry.mask
			}
		}
	}
	return mask
}

func pairsForMask(mask uint32) []protocol.CapabilityPair {
	var pairs []protocol.CapabilityPair
	for _, entry := range capsTable {
		if mask&entry.mask != 0 {
			pairs = append(pairs, protocol.CapabilityPair{Interface: entry.iface, Flags: entry.flags})
		}
	}
	return pairs
}

// maskDiff lists only the interfaces whose coverage actually changed.
func maskDiff(h protocol.Handle, oldMask, newMask uint32) []protocol.CapabilityChange {
	var changes []protocol.CapabilityChange
	for _, entry := range capsTable {
		var oldFlags, newFlags uint32
		if oldMask&entry.mask != 0 {
			oldFlags = entry.flags
		}
		if newMask&entry.mask != 0 {
			newFlags = entry.flags
		}
		if oldFlags != newFlags {
			changes = append(changes, protocol.CapabilityChange{
				Handle:    h,
				Interface: entry.iface,
				OldFlags:  oldFlags,
				NewFlags:  newFlags,
			})
		}
	}
	return changes
}

func (c *Connection) ownFeatures() []string {
	c.capsMu.Lock()
	mask := c.capsMask
	c.capsMu.Unlock()

	var features []string
	for _, entry := range featureTable {
		if mask&entry.mask != 0 {
			features = append(features, entry.feature)
		}
	}
	return features
}

// signalOwnPresence announces our presence with the current capability
// mask attached.
func (c *Connection) signalOwnPresence(show string) error {
	c.capsMu.Lock()
	caps := &protocol.Caps{
		Node:   capsNode,
		Ver:    strconv.FormatUint(uint64(c.capsMask), 16),
		Serial: c.capsSerial,
	}
	c.capsMu.Unlock()

	return c.Send(protocol.NewPresence(show, caps))
}

// AdvertiseCapabilities adds and removes advertised channel type
// interfaces. Remove wins over add for an interface named in both.
// Presence is re-announced, and the capability serial bumped, only if
// the mask actually changed; capability observers hear only about
// interfaces whose coverage changed.
func (c *Connection) AdvertiseCapabilities(add, remove []string) ([]protocol.CapabilityPair, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	c.capsMu.Lock()
	oldMask := c.capsMask
	newMask := (oldMask | maskForInterfaces(add)) &^ maskForInterfaces(remove)
	changed := newMask != oldMask
	if changed {
		c.capsMask = newMask
		c.capsSerial++
	}
	c.capsMu.Unlock()

	if changed {
		if err := c.signalOwnPresence(""); err != nil {
			return nil, err
		}
		if c.onCapsChanged != nil {
			if changes := maskDiff(c.SelfHandle(), oldMask, newMask); len(changes) > 0 {
				c.onCapsChanged(changes)
			}
		}
	}

	return pairsForMask(newMask), nil
}

// GetCapabilities reports the advertised interfaces of each handle. A
// contact that never sent us capabilities is assumed to support plain
// text, like any client predating the caps scheme.
func (c *Connection) GetCapabilities(hs []protocol.Handle) ([]protocol.HandleCapabilities, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if err := c.repo.AreValid(protocol.HandleTypeContact, hs, false); err != nil {
		return nil, err
	}

	self := c.SelfHandle()
	out := make([]protocol.HandleCapabilities, 0, len(hs))
	for _, h := range hs {
		var mask uint32
		if h == self {
			c.capsMu.Lock()
			mask = c.capsMask
			c.capsMu.Unlock()
		} else {
			jid := c.repo.Inspect(protocol.HandleTypeContact, h)
			peerMask, known := c.peerCaps.Load(jid)
			if known {
				mask = peerMask
			} else {
				mask = capMaskText
			}
		}
		out = append(out, protocol.HandleCapabilities{Handle: h, Pairs: pairsForMask(mask)})
	}
	return out, nil
}

// updatePeerCaps folds a capability advertisement from a peer's
// presence into the cache and tells observers what changed.
func (c *Connection) updatePeerCaps(from string, caps *protocol.Caps) {
	h := c.repo.ForContact(from)
	if h == 0 {
		return
	}
	jid := c.repo.Inspect(protocol.HandleTypeContact, h)

	mask64, err := strconv.ParseUint(caps.Ver, 16, 32)
	if err != nil {
		c.logger.Debugf("unparseable caps ver %q from %s", caps.Ver, from)
		return
	}
	newMask := uint32(mask64)

	oldMask, known := c.peerCaps.Load(jid)
	if !known {
		oldMask = capMaskText
	}
	if known && oldMask == newMask {
		return
	}
	c.peerCaps.Store(jid, newMask)

	if c.onCapsChanged != nil {
		if changes := maskDiff(h, oldMask, newMask); len(changes) > 0 {
			c.onCapsChanged(changes)
		}
	}
}
