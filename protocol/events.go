package protocol

// NewChannelEvent is broadcast whenever a channel factory announces a
// channel, requested or not.
type NewChannelEvent struct {
	ObjectPath      string
	ChannelType     string
	HandleType      HandleType
	Handle          Handle
	SuppressHandler bool
}

// Connection feature flags learned from the server during the
// feature-discovery stage.
type ConnectionFeatures uint32

const (
	FeaturePrivacy ConnectionFeatures = 1 << iota
	FeaturePresenceInvisible
)
