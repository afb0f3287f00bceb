// Package disco implements the service-discovery collaborator: iq
// round-trips asking a target what features it supports or what
// services it hosts, with per-request cancellation and timeouts, plus
// a cache of discovered service items used to locate the conference
// service.
package disco

import (
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

const DefaultRequestTimeout = 20 * time.Second

type Type int

const (
	TypeInfo Type = iota
	TypeItems
)

func (t Type) namespace() string {
	if t == TypeItems {
		return protocol.NSDiscoItems
	}
	return protocol.NSDiscoInfo
}

// Sender is the hook back into the session for iq round-trips.
type Sender interface {
	SendIQ(iq *protocol.Stanza, onReply func(reply *protocol.Stanza, err error)) error
}

// Callback receives the result of one query. Exactly one of query and
// err is set; a cancelled request gets neither.
type Callback func(jid, node string, query *protocol.Query, err error)

// Request is one outstanding query. It can be cancelled, which stops
// its callback from ever firing.
type Request struct {
	id   string
	typ  Type
	jid  string
	node string
	cb   Callback

	timer     *time.Timer
	cancelled *pkg.AtomicBool
	finished  *pkg.AtomicBool
}

type serviceItem struct {
	item     protocol.Item
	features []string
}

type Service struct {
	sender  Sender
	logger  pkg.Logger
	timeout time.Duration

	pending cmap.ConcurrentMap[string, *Request]

	itemsMu sync.RWMutex
	items   []serviceItem
}

type Option func(*Service)

func WithLogger(logger pkg.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		s.timeout = timeout
	}
}

func NewService(sender Sender, opts ...Option) *Service {
	s := &Service{
		sender:  sender,
		logger:  pkg.DefaultLogger,
		timeout: DefaultRequestTimeout,
		pending: cmap.New[*Request](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request issues one query with the default timeout.
func (s *Service) Request(typ Type, jid, node string, cb Callback) (*Request, error) {
	return s.RequestWithTimeout(typ, jid, node, s.timeout, cb)
}

func (s *Service) RequestWithTimeout(typ Type, jid, node string, timeout time.Duration, cb Callback) (*Request, error) {
	iq := protocol.NewIQ(protocol.IQGet, jid, &protocol.Query{NS: typ.namespace(), Node: node})

	req := &Request{
		id:        iq.ID,
		typ:       typ,
		jid:       jid,
		node:      node,
		cb:        cb,
		cancelled: pkg.NewAtomicBool(),
		finished:  pkg.NewAtomicBool(),
	}
	s.pending.Set(req.id, req)

	if err := s.sender.SendIQ(iq, func(reply *protocol.Stanza, err error) {
		s.complete(req, reply, err)
	}); err != nil {
		s.pending.Remove(req.id)
		return nil, fmt.Errorf("%w: disco request to %s: %v", pkg.ErrNetwork, jid, err)
	}

	req.timer = time.AfterFunc(timeout, func() {
		s.complete(req, nil, fmt.Errorf("%w: disco request to %s timed out", pkg.ErrNotAvailable, jid))
	})

	return req, nil
}

// Cancel stops a request from delivering its result. The query itself
// is not aborted on the wire; a late reply is dropped.
func (s *Service) Cancel(req *Request) {
	if req == nil {
		return
	}
	req.cancelled.Store(true)
	if req.timer != nil {
		req.timer.Stop()
	}
	s.pending.Remove(req.id)
}

// CancelAll quietly forgets every outstanding request. Used at session
// teardown; late replies become no-ops.
func (s *Service) CancelAll() {
	s.pending.IterCb(func(_ string, req *Request) {
		req.cancelled.Store(true)
		if req.timer != nil {
			req.timer.Stop()
		}
	})
	s.pending.Clear()
}

func (s *Service) complete(req *Request, reply *protocol.Stanza, err error) {
	// first of reply / timeout wins, cancellation beats both
	if !req.finished.CompareAndSwap(false, true) {
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	s.pending.Remove(req.id)

	if req.cancelled.Load() {
		return
	}

	if err != nil {
		req.cb(req.jid, req.node, nil, err)
		return
	}
	if reply.Type == protocol.IQError {
		replyErr := fmt.Errorf("%w: disco query refused by %s", pkg.ErrNotAvailable, req.jid)
		if reply.Error != nil {
			replyErr = fmt.Errorf("%w: disco query refused by %s: %s", pkg.ErrNotAvailable, req.jid, reply.Error.Message)
		}
		req.cb(req.jid, req.node, nil, replyErr)
		return
	}
	if reply.Query == nil {
		req.cb(req.jid, req.node, nil, fmt.Errorf("%w: disco reply from %s carries no query", pkg.ErrNotAvailable, req.jid))
		return
	}
	req.cb(req.jid, req.node, reply.Query, nil)
}

// AddItem records a discovered service and its features.
func (s *Service) AddItem(item protocol.Item, features []string) {
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	s.items = append(s.items, serviceItem{item: item, features: features})
}

// FindService returns the first discovered service advertising the
// given feature, in discovery order.
func (s *Service) FindService(feature string) (string, bool) {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()

	for _, si := range s.items {
		for _, f := range si.features {
			if f == feature {
				return si.item.JID, true
			}
		}
	}
	return "", false
}

// WalkItems asks the server for its hosted items and discos each one,
// filling the service cache. Fire and forget: failures are logged,
// not surfaced, since the cache only ever improves name resolution.
func (s *Service) WalkItems(server string) {
	_, err := s.Request(TypeItems, server, "", func(jid, _ string, query *protocol.Query, err error) {
		if err != nil {
			s.logger.Debugf("service item walk on %s failed: %v", jid, err)
			return
		}
		for _, item := range query.Items {
			item := item
			_, err := s.Request(TypeInfo, item.JID, "", func(jid, _ string, query *protocol.Query, err error) {
				if err != nil {
					s.logger.Debugf("service info on %s failed: %v", jid, err)
					return
				}
				s.AddItem(item, query.Features)
			})
			if err != nil {
				s.logger.Debugf("service info on %s not sent: %v", item.JID, err)
			}
		}
	})
	if err != nil {
		s.logger.Debugf("service item walk on %s not sent: %v", server, err)
	}
}
