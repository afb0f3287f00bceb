package protocol

// Channel type interfaces understood by this connection manager.
const (
	ChannelTypeText     = "im.lanternchat.Channel.Type.Text"
	ChannelTypeRoomList = "im.lanternchat.Channel.Type.RoomList"
)

// Generic capability flags for an (identity, interface) pair.
const (
	CapabilityFlagCreate uint32 = 1 << iota
	CapabilityFlagInvite
)

// CapabilityPair is one advertised (interface, flags) entry.
type CapabilityPair struct {
	Interface string
	Flags     uint32
}

// HandleCapabilities are the advertised pairs of one identity.
type HandleCapabilities struct {
	Handle Handle
	Pairs  []CapabilityPair
}

// CapabilityChange describes one interface whose coverage actually
// changed between two capability masks. Interfaces with identical
// before/after flags are never included.
type CapabilityChange struct {
	Handle    Handle
	Interface string
	OldFlags  uint32
	NewFlags  uint32
}
