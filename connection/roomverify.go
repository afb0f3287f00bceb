package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lanternchat/go-xcm/disco"
	"github.com/lanternchat/go-xcm/handles"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

// roomVerifyBatch checks that every service named by a set of room
// jids really is a conference service before any room handle is
// minted. The first failure poisons the batch and cancels its sibling
// queries; the requester sees either all handles or one error.
type roomVerifyBatch struct {
	// finished is set by whichever outcome lands first, success or
	// failure; the loser is dropped and never touches done again.
	mu        sync.Mutex
	finished  bool
	remaining int
	requests  []*disco.Request
	done      chan error
}

func (b *roomVerifyBatch) fail(svc *disco.Service, err error) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	siblings := b.requests
	b.requests = nil
	b.mu.Unlock()

	for _, req := range siblings {
		svc.Cancel(req)
	}
	b.done <- err
}

func (b *roomVerifyBatch) oneVerified() {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.remaining--
	finished := b.remaining == 0
	if finished {
		b.finished = true
	}
	b.mu.Unlock()

	if finished {
		b.done <- nil
	}
}

// requestRoomHandles resolves room names to handles. Bare names are
// qualified with the discovered conference service, or the configured
// fallback; jids naming a service we have not seen conference traffic
// from before are verified with one disco query per distinct service.
// Already-interned rooms skip verification, so a batch of known rooms
// completes without touching the network.
func (c *Connection) requestRoomHandles(ctx context.Context, client string, names []string) ([]protocol.Handle, error) {
	canonical := make([]string, len(names))
	verifyDomains := make(map[string]struct{})

	for i, name := range names {
		jid := name
		if !strings.Contains(name, "@") {
			server, ok := c.disco.FindService(protocol.NSMUC)
			if !ok {
				server = c.fallbackConferenceServer
			}
			if server == "" {
				return nil, fmt.Errorf("%w: no conference service known to qualify room name %q", pkg.ErrNotAvailable, name)
			}
			jid = name + "@" + server
		}

		room, domain, _ := handles.DecodeJID(jid)
		if room == "" || domain == "" {
			return nil, fmt.Errorf("%w: %q is not a valid room name", pkg.ErrInvalidHandle, name)
		}

		canonical[i] = jid
		if !c.repo.RoomExists(jid) {
			verifyDomains[strings.ToLower(domain)] = struct{}{}
		}
	}

	if len(verifyDomains) > 0 {
		if err := c.verifyConferenceServices(ctx, verifyDomains); err != nil {
			return nil, err
		}
		if err := c.requireConnected(); err != nil {
			return nil, err
		}
	}

	hs := make([]protocol.Handle, len(canonical))
	for i, jid := range canonical {
		h := c.repo.ForRoom(jid)
		if h == 0 {
			return nil, fmt.Errorf("%w: %q is not a valid room name", pkg.ErrInvalidHandle, names[i])
		}
		hs[i] = h
	}
	for _, h := range hs {
		if err := c.repo.ClientHold(client, protocol.HandleTypeRoom, h); err != nil {
			return nil, err
		}
	}
	return hs, nil
}

func (c *Connection) verifyConferenceServices(ctx context.Context, domains map[string]struct{}) error {
	b := &roomVerifyBatch{
		remaining: len(domains),
		done:      make(chan error, 1),
	}

	for domain := range domains {
		domain := domain
		req, err := c.disco.Request(disco.TypeInfo, domain, "", func(jid, _ string, query *protocol.Query, err error) {
			if err != nil {
				b.fail(c.disco, fmt.Errorf("verifying conference service %s: %w", jid, err))
				return
			}
			for _, f := range query.Features {
				if f == protocol.NSMUC {
					b.oneVerified()
					return
				}
			}
			b.fail(c.disco, fmt.Errorf("%w: %s is not a conference service", pkg.ErrNotAvailable, jid))
		})
		if err != nil {
			b.fail(c.disco, err)
			break
		}

		b.mu.Lock()
		if !b.finished {
			b.requests = append(b.requests, req)
		}
		b.mu.Unlock()
	}

	select {
	case err := <-b.done:
		return err
	case <-ctx.Done():
		b.fail(c.disco, ctx.Err())
		return ctx.Err()
	}
}
