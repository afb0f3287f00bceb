package disco

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []*protocol.Stanza
	pending map[string]func(reply *protocol.Stanza, err error)
	sendErr error
}

func newFakeSender() *fakeSender {
	return &fakeSender{pending: make(map[string]func(reply *protocol.Stanza, err error))}
}

func (s *fakeSender) SendIQ(iq *protocol.Stanza, onReply func(reply *protocol.Stanza, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, iq)
	s.pending[iq.ID] = onReply
	return nil
}

func (s *fakeSender) lastSent() *protocol.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *fakeSender) reply(id string, reply *protocol.Stanza) {
	s.mu.Lock()
	onReply := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if onReply != nil {
		onReply(reply, nil)
	}
}

type result struct {
	query *protocol.Query
	err   error
}

func TestRequestSuccess(t *testing.T) {
	sender := newFakeSender()
	svc := NewService(sender)

	got := make(chan result, 1)
	_, err := svc.Request(TypeInfo, "example.org", "", func(jid, node string, query *protocol.Query, err error) {
		assert.Equal(t, "example.org", jid)
		got <- result{query: query, err: err}
	})
	require.NoError(t, err)

	iq := sender.lastSent()
	require.NotNil(t, iq)
	assert.Equal(t, protocol.IQGet, iq.Type)
	assert.Equal(t, protocol.NSDiscoInfo, iq.Query.NS)

	sender.reply(iq.ID, &protocol.Stanza{
		Kind:  protocol.KindIQ,
		ID:    iq.ID,
		Type:  protocol.IQResult,
		Query: &protocol.Query{NS: protocol.NSDiscoInfo, Features: []string{protocol.NSMUC}},
	})

	res := <-got
	require.NoError(t, res.err)
	assert.Equal(t, []string{protocol.NSMUC}, res.query.Features)
}

func TestRequestErrorReply(t *testing.T) {
	sender := newFakeSender()
	svc := NewService(sender)

	got := make(chan result, 1)
	_, err := svc.Request(TypeItems, "example.org", "", func(_, _ string, query *protocol.Query, err error) {
		got <- result{query: query, err: err}
	})
	require.NoError(t, err)

	iq := sender.lastSent()
	assert.Equal(t, protocol.NSDiscoItems, iq.Query.NS)

	sender.reply(iq.ID, &protocol.Stanza{
		Kind:  protocol.KindIQ,
		ID:    iq.ID,
		Type:  protocol.IQError,
		Error: &protocol.StanzaError{Code: 403, Message: "forbidden"},
	})

	res := <-got
	assert.ErrorIs(t, res.err, pkg.ErrNotAvailable)
	assert.Nil(t, res.query)
}

func TestRequestTimeout(t *testing.T) {
	sender := newFakeSender()
	svc := NewService(sender)

	got := make(chan result, 1)
	_, err := svc.RequestWithTimeout(TypeInfo, "example.org", "", 10*time.Millisecond, func(_, _ string, query *protocol.Query, err error) {
		got <- result{query: query, err: err}
	})
	require.NoError(t, err)

	select {
	case res := <-got:
		assert.ErrorIs(t, res.err, pkg.ErrNotAvailable)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// the reply arriving after the timeout is dropped
	iq := sender.lastSent()
	sender.reply(iq.ID, &protocol.Stanza{Kind: protocol.KindIQ, ID: iq.ID, Type: protocol.IQResult, Query: &protocol.Query{}})
	select {
	case <-got:
		t.Fatal("late reply delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancel(t *testing.T) {
	sender := newFakeSender()
	svc := NewService(sender)

	fired := make(chan struct{}, 1)
	req, err := svc.Request(TypeInfo, "example.org", "", func(_, _ string, _ *protocol.Query, _ error) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	svc.Cancel(req)

	iq := sender.lastSent()
	sender.reply(iq.ID, &protocol.Stanza{Kind: protocol.KindIQ, ID: iq.ID, Type: protocol.IQResult, Query: &protocol.Query{}})

	select {
	case <-fired:
		t.Fatal("cancelled request delivered its result")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelAll(t *testing.T) {
	sender := newFakeSender()
	svc := NewService(sender)

	fired := make(chan struct{}, 2)
	for _, target := range []string{"a.example.org", "b.example.org"} {
		_, err := svc.Request(TypeInfo, target, "", func(_, _ string, _ *protocol.Query, _ error) {
			fired <- struct{}{}
		})
		require.NoError(t, err)
	}

	svc.CancelAll()

	sender.mu.Lock()
	ids := make([]string, 0, len(sender.sent))
	for _, iq := range sender.sent {
		ids = append(ids, iq.ID)
	}
	sender.mu.Unlock()
	for _, id := range ids {
		sender.reply(id, &protocol.Stanza{Kind: protocol.KindIQ, ID: id, Type: protocol.IQResult, Query: &protocol.Query{}})
	}

	select {
	case <-fired:
		t.Fatal("cancelled request delivered its result")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServiceCache(t *testing.T) {
	svc := NewService(newFakeSender())

	_, ok := svc.FindService(protocol.NSMUC)
	assert.False(t, ok)

	svc.AddItem(protocol.Item{JID: "conference.example.org"}, []string{protocol.NSMUC})
	svc.AddItem(protocol.Item{JID: "proxy.example.org"}, []string{"bytestreams"})

	jid, ok := svc.FindService(protocol.NSMUC)
	require.True(t, ok)
	assert.Equal(t, "conference.example.org", jid)

	jid, ok = svc.FindService("bytestreams")
	require.True(t, ok)
	assert.Equal(t, "proxy.example.org", jid)
}

func TestWalkItems(t *testing.T) {
	sender := newFakeSender()
	svc := NewService(sender)

	svc.WalkItems("example.org")

	itemsIQ := sender.lastSent()
	require.Equal(t, protocol.NSDiscoItems, itemsIQ.Query.NS)
	sender.reply(itemsIQ.ID, &protocol.Stanza{
		Kind: protocol.KindIQ,
		ID:   itemsIQ.ID,
		Type: protocol.IQResult,
		Query: &protocol.Query{
			NS:    protocol.NSDiscoItems,
			Items: []protocol.Item{{JID: "conference.example.org"}},
		},
	})

	infoIQ := sender.lastSent()
	require.Equal(t, protocol.NSDiscoInfo, infoIQ.Query.NS)
	require.Equal(t, "conference.example.org", infoIQ.To)
	sender.reply(infoIQ.ID, &protocol.Stanza{
		Kind:  protocol.KindIQ,
		ID:    infoIQ.ID,
		Type:  protocol.IQResult,
		Query: &protocol.Query{NS: protocol.NSDiscoInfo, Features: []string{protocol.NSMUC}},
	})

	jid, ok := svc.FindService(protocol.NSMUC)
	require.True(t, ok)
	assert.Equal(t, "conference.example.org", jid)
}
