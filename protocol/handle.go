package protocol

// Handle is a small integer standing in for an interned identifier
// string. Handle 0 is never valid.
type Handle uint32

type HandleType uint32

const (
	HandleTypeNone HandleType = iota
	HandleTypeContact
	HandleTypeRoom
	HandleTypeList
	HandleTypeGroup
)

func (t HandleType) String() string {
	switch t {
	case HandleTypeContact:
		return "contact"
	case HandleTypeRoom:
		return "room"
	case HandleTypeList:
		return "list"
	case HandleTypeGroup:
		return "group"
	default:
		return "none"
	}
}

func (t HandleType) IsValid() bool {
	return t >= HandleTypeContact && t <= HandleTypeGroup
}

// Fixed handles of type list. These exist for the whole session and
// are not reference counted.
const (
	ListHandlePublish Handle = iota + 1
	ListHandleSubscribe
	ListHandleKnown
	ListHandleDeny
)

var ListHandleNames = []string{"publish", "subscribe", "known", "deny"}
