package handles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

func TestContactHandleLifecycle(t *testing.T) {
	repo := NewRepo()

	h := repo.ForContact("bob@Example.Org")
	require.NotZero(t, h)

	// interning is idempotent and case-normalizes the domain
	assert.Equal(t, h, repo.ForContact("bob@example.org"))
	assert.Equal(t, "bob@example.org", repo.Inspect(protocol.HandleTypeContact, h))
	assert.True(t, repo.IsValid(protocol.HandleTypeContact, h))

	// a resource distinguishes handles
	hr := repo.ForContact("bob@example.org/desk")
	assert.NotEqual(t, h, hr)

	// a bare domain is not a contact
	assert.Zero(t, repo.ForContact("example.org"))
	assert.Zero(t, repo.ForContact(""))
}

func TestHandleRefcountAndRemoval(t *testing.T) {
	repo := NewRepo()

	h := repo.ForContact("bob@example.org")
	require.True(t, repo.Ref(protocol.HandleTypeContact, h))
	require.True(t, repo.Ref(protocol.HandleTypeContact, h))

	require.True(t, repo.Unref(protocol.HandleTypeContact, h))
	assert.True(t, repo.IsValid(protocol.HandleTypeContact, h))

	require.True(t, repo.Unref(protocol.HandleTypeContact, h))
	assert.False(t, repo.IsValid(protocol.HandleTypeContact, h))
	assert.Equal(t, "", repo.Inspect(protocol.HandleTypeContact, h))

	// gone means gone
	assert.False(t, repo.Ref(protocol.HandleTypeContact, h))
	assert.False(t, repo.Unref(protocol.HandleTypeContact, h))
}

func TestHandleIDReuse(t *testing.T) {
	repo := NewRepo()

	h1 := repo.ForContact("a@example.org")
	h2 := repo.ForContact("b@example.org")
	h3 := repo.ForContact("c@example.org")
	require.Equal(t, protocol.Handle(1), h1)
	require.Equal(t, protocol.Handle(2), h2)
	require.Equal(t, protocol.Handle(3), h3)

	repo.Ref(protocol.HandleTypeContact, h2)
	repo.Unref(protocol.HandleTypeContact, h2)
	repo.Unref(protocol.HandleTypeContact, h2)

	// a hole in the middle is refilled before new ids are minted
	assert.Equal(t, h2, repo.ForContact("d@example.org"))

	// releasing the newest handle rolls the serial back instead
	repo.Unref(protocol.HandleTypeContact, h3)
	assert.Equal(t, h3, repo.ForContact("e@example.org"))
}

func TestListHandles(t *testing.T) {
	repo := NewRepo()

	assert.Equal(t, protocol.ListHandlePublish, repo.ForList("publish"))
	assert.Equal(t, protocol.ListHandleDeny, repo.ForList("deny"))
	assert.Zero(t, repo.ForList("nonsense"))

	assert.Equal(t, "subscribe", repo.Inspect(protocol.HandleTypeList, protocol.ListHandleSubscribe))
	assert.True(t, repo.IsValid(protocol.HandleTypeList, protocol.ListHandleKnown))

	// list handles are not refcounted; these are range checks only
	assert.True(t, repo.Ref(protocol.HandleTypeList, protocol.ListHandlePublish))
	assert.True(t, repo.Unref(protocol.HandleTypeList, protocol.ListHandlePublish))
	assert.True(t, repo.IsValid(protocol.HandleTypeList, protocol.ListHandlePublish))
	assert.False(t, repo.Ref(protocol.HandleTypeList, protocol.Handle(9)))
}

func TestRoomHandles(t *testing.T) {
	repo := NewRepo()

	assert.False(t, repo.RoomExists("lobby@conference.example.org"))

	h := repo.ForRoom("lobby@conference.example.org/nick")
	require.NotZero(t, h)

	// the nick is stripped before interning
	assert.Equal(t, "lobby@conference.example.org", repo.Inspect(protocol.HandleTypeRoom, h))
	assert.True(t, repo.RoomExists("lobby@conference.example.org"))
	assert.Zero(t, repo.ForRoom("conference.example.org"))
}

func TestAreValid(t *testing.T) {
	repo := NewRepo()

	h := repo.ForContact("bob@example.org")

	assert.NoError(t, repo.AreValid(protocol.HandleTypeContact, []protocol.Handle{h}, false))

	err := repo.AreValid(protocol.HandleTypeContact, []protocol.Handle{h, 0}, false)
	assert.ErrorIs(t, err, pkg.ErrInvalidHandle)
	assert.NoError(t, repo.AreValid(protocol.HandleTypeContact, []protocol.Handle{h, 0}, true))

	err = repo.AreValid(protocol.HandleTypeContact, []protocol.Handle{protocol.Handle(42)}, false)
	assert.ErrorIs(t, err, pkg.ErrInvalidHandle)
}

func TestClientHolds(t *testing.T) {
	repo := NewRepo()

	h := repo.ForContact("bob@example.org")

	require.NoError(t, repo.ClientHold("client-a", protocol.HandleTypeContact, h))
	// a second hold by the same client is a no-op, not a second ref
	require.NoError(t, repo.ClientHold("client-a", protocol.HandleTypeContact, h))
	require.NoError(t, repo.ClientHold("client-b", protocol.HandleTypeContact, h))

	require.NoError(t, repo.ClientRelease("client-a", protocol.HandleTypeContact, h))
	assert.True(t, repo.IsValid(protocol.HandleTypeContact, h))

	err := repo.ClientRelease("client-a", protocol.HandleTypeContact, h)
	assert.ErrorIs(t, err, pkg.ErrNotAvailable)

	err = repo.ClientRelease("unknown", protocol.HandleTypeContact, h)
	assert.ErrorIs(t, err, pkg.ErrNotAvailable)

	require.NoError(t, repo.ClientHold("client-b", protocol.HandleTypeRoom, repo.ForRoom("lobby@muc.example.org")))
	repo.ClientReleaseAll("client-b")
	assert.False(t, repo.IsValid(protocol.HandleTypeContact, h))
}

func TestClientHoldValidation(t *testing.T) {
	repo := NewRepo()
	h := repo.ForContact("bob@example.org")

	assert.ErrorIs(t, repo.ClientHold("", protocol.HandleTypeContact, h), pkg.ErrInvalidArgument)
	assert.ErrorIs(t, repo.ClientHold("c", protocol.HandleType(9), h), pkg.ErrInvalidArgument)
	// list holds are accepted and ignored
	assert.NoError(t, repo.ClientHold("c", protocol.HandleTypeList, protocol.ListHandleDeny))
}

func TestDecodeJID(t *testing.T) {
	node, domain, resource := DecodeJID("alice@example.org/home")
	assert.Equal(t, "alice", node)
	assert.Equal(t, "example.org", domain)
	assert.Equal(t, "home", resource)

	node, domain, resource = DecodeJID("example.org")
	assert.Equal(t, "", node)
	assert.Equal(t, "example.org", domain)
	assert.Equal(t, "", resource)

	node, domain, resource = DecodeJID("lobby@muc.example.org")
	assert.Equal(t, "lobby", node)
	assert.Equal(t, "muc.example.org", domain)
	assert.Equal(t, "", resource)
}
