package connection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
	"github.com/lanternchat/go-xcm/transport"
)

// fakeTransport is a scriptable stream: stage outcomes are injected
// and iq replies come from a server function, or stay pending until
// the test delivers them. Callbacks fire synchronously, so tests see
// deterministic orderings.
type fakeTransport struct {
	mu           sync.Mutex
	open         bool
	closed       bool
	cancelled    bool
	receiver     transport.StreamReceiver
	onDisconnect func(err error)

	openReturnErr error
	openErr       error
	authErr       error

	server  func(st *protocol.Stanza) *protocol.Stanza
	pending map[string]func(reply transport.Message, err error)
	sent    []*protocol.Stanza
}

func newFakeTransport(server func(st *protocol.Stanza) *protocol.Stanza) *fakeTransport {
	return &fakeTransport{
		server:  server,
		pending: make(map[string]func(reply transport.Message, err error)),
	}
}

func (t *fakeTransport) Open(onComplete func(err error)) error {
	if t.openReturnErr != nil {
		return t.openReturnErr
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	onComplete(t.openErr)
	return nil
}

func (t *fakeTransport) Authenticate(_, _, _ string, onComplete func(err error)) error {
	onComplete(t.authErr)
	return nil
}

func (t *fakeTransport) Send(msg transport.Message) error {
	_, err := t.record(msg)
	return err
}

func (t *fakeTransport) SendWithReply(msg transport.Message, onReply func(reply transport.Message, err error)) error {
	st, err := t.record(msg)
	if err != nil {
		return err
	}

	if t.server != nil {
		if reply := t.server(st); reply != nil {
			data, err := reply.Marshal()
			if err != nil {
				return err
			}
			onReply(data, nil)
			return nil
		}
	}

	t.mu.Lock()
	t.pending[st.ID] = onReply
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) record(msg transport.Message) (*protocol.Stanza, error) {
	var st protocol.Stanza
	if err := pkg.JSONUnmarshal(msg, &st); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.sent = append(t.sent, &st)
	t.mu.Unlock()
	return &st, nil
}

func (t *fakeTransport) SetReceiver(receiver transport.StreamReceiver) {
	t.receiver = receiver
}

func (t *fakeTransport) SetDisconnectHandler(handler func(err error)) {
	t.onDisconnect = handler
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.open && !t.closed
}

func (t *fakeTransport) CancelOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelled = true
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.open = false
	return nil
}

// deliverReply answers a pending SendWithReply.
func (t *fakeTransport) deliverReply(reply *protocol.Stanza) {
	t.mu.Lock()
	onReply := t.pending[reply.ID]
	delete(t.pending, reply.ID)
	t.mu.Unlock()

	if onReply == nil {
		return
	}
	data, err := reply.Marshal()
	if err != nil {
		panic(err)
	}
	onReply(data, nil)
}

// push injects an unsolicited inbound stanza.
func (t *fakeTransport) push(tb testing.TB, st *protocol.Stanza) {
	data, err := st.Marshal()
	require.NoError(tb, err)
	require.NoError(tb, t.receiver.Receive(nil, data))
}

func (t *fakeTransport) sentStanzas() []*protocol.Stanza {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*protocol.Stanza(nil), t.sent...)
}

func (t *fakeTransport) countSent(pred func(st *protocol.Stanza) bool) int {
	n := 0
	for _, st := range t.sentStanzas() {
		if pred(st) {
			n++
		}
	}
	return n
}

// defaultServer scripts a well-behaved server: disco answers, one
// conference service, registration and room joins accepted.
func defaultServer(st *protocol.Stanza) *protocol.Stanza {
	if st.Kind != protocol.KindIQ || (st.Type != protocol.IQGet && st.Type != protocol.IQSet) {
		return nil
	}
	reply := protocol.NewResultIQ(st, nil)
	reply.From = st.To
	if st.Query == nil {
		return reply
	}

	switch st.Query.NS {
	case protocol.NSDiscoInfo:
		features := []string{protocol.NSPrivacy}
		if st.To == "muc.example.org" {
			features = []string{protocol.NSMUC}
		}
		reply.Query = &protocol.Query{NS: protocol.NSDiscoInfo, Features: features}
	case protocol.NSDiscoItems:
		reply.Query = &protocol.Query{
			NS:    protocol.NSDiscoItems,
			Items: []protocol.Item{{JID: "muc.example.org"}},
		}
	}
	return reply
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []protocol.StatusChange
	closed  int
}

func (r *statusRecorder) record(change protocol.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.changes = append(r.changes, change)
}

func (r *statusRecorder) onClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed++
}

func (r *statusRecorder) snapshot() []protocol.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]protocol.StatusChange(nil), r.changes...)
}

func (r *statusRecorder) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func newTestConnection(tr *fakeTransport, rec *statusRecorder, opts ...Option) *Connection {
	base := []Option{
		WithStatusHandler(rec.record),
		WithClosedHandler(rec.onClosed),
	}
	return New("alice@example.org", "s3cr3t", tr, append(base, opts...)...)
}

func connect(t *testing.T, tr *fakeTransport, rec *statusRecorder, opts ...Option) *Connection {
	c := newTestConnection(tr, rec, opts...)
	require.NoError(t, c.Connect())
	require.Equal(t, protocol.StatusConnected, c.Status())
	return c
}

func TestConnectHappyPath(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := connect(t, tr, rec)

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, protocol.StatusConnecting, changes[0].Status)
	assert.Equal(t, protocol.StatusConnected, changes[1].Status)

	assert.NotZero(t, c.SelfHandle())
	assert.Equal(t, "alice@example.org", c.Handles().Inspect(protocol.HandleTypeContact, c.SelfHandle()))
	assert.Equal(t, protocol.FeaturePrivacy, c.Features())

	// presence with caps went out before the connected announcement
	presences := tr.countSent(func(st *protocol.Stanza) bool {
		return st.Kind == protocol.KindPresence && st.Caps != nil
	})
	assert.Equal(t, 1, presences)

	c.Disconnect()
	changes = rec.snapshot()
	require.Len(t, changes, 3)
	assert.Equal(t, protocol.StatusDisconnected, changes[2].Status)
	assert.Equal(t, protocol.ReasonRequested, changes[2].Reason)
	assert.Equal(t, 1, rec.closedCount())
	assert.True(t, tr.closed)

	// disconnecting again is a no-op
	c.Disconnect()
	assert.Len(t, rec.snapshot(), 3)
	assert.Equal(t, 1, rec.closedCount())
}

func TestConnectIdempotentPastNew(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := connect(t, tr, rec)

	// a second call on a live session succeeds without effect
	require.NoError(t, c.Connect())
	assert.Equal(t, protocol.StatusConnected, c.Status())
	assert.Equal(t, 2, len(rec.snapshot()))

	c.Disconnect()
	assert.ErrorIs(t, c.Connect(), pkg.ErrDisconnected)
}

func TestDisconnectedIsTerminal(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := connect(t, tr, rec)
	c.Disconnect()

	// a stage completion that lost the race to a teardown must not
	// bring the session back
	c.statusChange(protocol.StatusConnected, protocol.ReasonRequested)
	assert.Equal(t, protocol.StatusDisconnected, c.Status())

	changes := rec.snapshot()
	assert.Equal(t, protocol.StatusDisconnected, changes[len(changes)-1].Status)
	assert.Equal(t, 1, rec.closedCount())
}

func TestConnectBadAccount(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec)
	c.account = "not-a-jid"
	assert.ErrorIs(t, c.Connect(), pkg.ErrInvalidArgument)
	assert.Empty(t, rec.snapshot())
}

func TestOpenFailure(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	tr.openReturnErr = pkg.NewStreamError("dial", assert.AnError)
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec)
	require.Error(t, c.Connect())

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, protocol.StatusConnecting, changes[0].Status)
	assert.Equal(t, protocol.StatusDisconnected, changes[1].Status)
	assert.Equal(t, protocol.ReasonNetworkError, changes[1].Reason)
	assert.Equal(t, 1, rec.closedCount())
}

func TestOpenCallbackEncryptionFailure(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	tr.openErr = pkg.NewStreamError("tls", assert.AnError)
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec)
	require.NoError(t, c.Connect())

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, protocol.StatusDisconnected, changes[1].Status)
	assert.Equal(t, protocol.ReasonEncryptionError, changes[1].Reason)
}

func TestAuthFailure(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	tr.authErr = pkg.ErrAuthFailed
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec)
	require.NoError(t, c.Connect())

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, protocol.StatusDisconnected, changes[1].Status)
	assert.Equal(t, protocol.ReasonAuthenticationFailed, changes[1].Reason)
}

func TestRegisterBeforeAuth(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := connect(t, tr, rec, WithRegister())

	var register *protocol.Stanza
	for _, st := range tr.sentStanzas() {
		if st.Query != nil && st.Query.NS == protocol.NSRegister {
			register = st
			break
		}
	}
	require.NotNil(t, register)
	assert.Equal(t, protocol.IQSet, register.Type)
	assert.Equal(t, "alice", register.Query.Username)
	assert.Equal(t, "s3cr3t", register.Query.Password)
	assert.Equal(t, protocol.StatusConnected, c.Status())
}

func TestRegisterConflict(t *testing.T) {
	tr := newFakeTransport(func(st *protocol.Stanza) *protocol.Stanza {
		if st.Query != nil && st.Query.NS == protocol.NSRegister {
			reply := protocol.NewResultIQ(st, nil)
			reply.Type = protocol.IQError
			reply.Error = &protocol.StanzaError{Code: 409, Message: "conflict"}
			return reply
		}
		return defaultServer(st)
	})
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec, WithRegister())
	require.NoError(t, c.Connect())

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, protocol.StatusDisconnected, changes[1].Status)
	assert.Equal(t, protocol.ReasonNameInUse, changes[1].Reason)
}

func TestDiscoFailureStillConnects(t *testing.T) {
	tr := newFakeTransport(func(st *protocol.Stanza) *protocol.Stanza {
		if st.Query != nil && (st.Query.NS == protocol.NSDiscoInfo || st.Query.NS == protocol.NSDiscoItems) {
			reply := protocol.NewResultIQ(st, nil)
			reply.Type = protocol.IQError
			reply.Error = &protocol.StanzaError{Code: 503, Message: "service unavailable"}
			return reply
		}
		return defaultServer(st)
	})
	rec := &statusRecorder{}

	c := connect(t, tr, rec)
	assert.Zero(t, c.Features())
}

func TestDisconnectDuringConnecting(t *testing.T) {
	var serverDiscoID string
	tr := newFakeTransport(func(st *protocol.Stanza) *protocol.Stanza {
		if st.Query != nil && st.Query.NS == protocol.NSDiscoInfo {
			// hold the feature discovery reply
			serverDiscoID = st.ID
			return nil
		}
		return defaultServer(st)
	})
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec)
	require.NoError(t, c.Connect())
	require.Equal(t, protocol.StatusConnecting, c.Status())

	c.Disconnect()
	require.Equal(t, protocol.StatusDisconnected, c.Status())

	// the straggling stage completion must not resurrect the session
	tr.deliverReply(&protocol.Stanza{
		Kind:  protocol.KindIQ,
		ID:    serverDiscoID,
		Type:  protocol.IQResult,
		Query: &protocol.Query{NS: protocol.NSDiscoInfo, Features: []string{protocol.NSPrivacy}},
	})

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.Equal(t, protocol.StatusConnecting, changes[0].Status)
	assert.Equal(t, protocol.StatusDisconnected, changes[1].Status)
	assert.Zero(t, c.Features())
}

func TestNewToDisconnectedShortcut(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := newTestConnection(tr, rec)
	c.Disconnect()

	// nobody was told the session existed, so no status is announced
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 1, rec.closedCount())
	assert.True(t, tr.cancelled)

	assert.ErrorIs(t, c.Connect(), pkg.ErrNotAvailable)
}

func TestStreamLost(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := connect(t, tr, rec)

	tr.onDisconnect(assert.AnError)

	assert.Equal(t, protocol.StatusDisconnected, c.Status())
	changes := rec.snapshot()
	require.Len(t, changes, 3)
	assert.Equal(t, protocol.ReasonNetworkError, changes[2].Reason)
	assert.Equal(t, 1, rec.closedCount())
}

func TestSelfHandleReleasedOnShutdown(t *testing.T) {
	tr := newFakeTransport(defaultServer)
	rec := &statusRecorder{}

	c := connect(t, tr, rec)
	self := c.SelfHandle()
	require.True(t, c.Handles().IsValid(protocol.HandleTypeContact, self))

	c.Disconnect()
	assert.Zero(t, c.SelfHandle())
	assert.False(t, c.Handles().IsValid(protocol.HandleTypeContact, self))
}
