package connection

import (
	"context"
	"fmt"

	"github.com/lanternchat/go-xcm/channel"
	"github.com/lanternchat/go-xcm/pkg"
	"github.com/lanternchat/go-xcm/protocol"
)

// channelRequest is one caller blocked in RequestChannel. It sits in
// the pending queue from before the factories are consulted until a
// result is delivered, so an announce can never slip between the
// factory call and the enqueue.
type channelRequest struct {
	req             channel.Request
	suppressHandler bool

	// satisfied is guarded by reqMu; result is buffered so completion
	// never blocks on the requester.
	satisfied bool
	result    chan requestResult
}

type requestResult struct {
	ch  channel.Channel
	err error
}

func (r *channelRequest) matches(ch channel.Channel) bool {
	return r.req.ChannelType == ch.ChannelType() &&
		r.req.HandleType == ch.TargetHandleType() &&
		r.req.Handle == ch.TargetHandle()
}

// RequestChannel asks the factories for a channel and blocks until one
// exists, the request fails, or ctx ends. suppressHandler marks the
// announced channel as already belonging to this caller, so observers
// watching for unclaimed channels leave it alone.
//
// Two concurrent requests for the same channel may be satisfied by one
// announcement; mustBeNew instead insists on a channel that did not
// exist before the call.
func (c *Connection) RequestChannel(ctx context.Context, channelType string, handleType protocol.HandleType, handle protocol.Handle, suppressHandler, mustBeNew bool) (channel.Channel, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	cr := &channelRequest{
		req: channel.Request{
			ChannelType: channelType,
			HandleType:  handleType,
			Handle:      handle,
			MustBeNew:   mustBeNew,
		},
		suppressHandler: suppressHandler,
		result:          make(chan requestResult, 1),
	}

	c.reqMu.Lock()
	c.pendingReqs = append(c.pendingReqs, cr)
	c.reqMu.Unlock()

	c.runFactories(cr)

	select {
	case res := <-cr.result:
		return res.ch, res.err
	case <-ctx.Done():
		c.completeRequest(cr, nil, ctx.Err())
		// completion may have raced ctx; prefer the real result
		select {
		case res := <-cr.result:
			return res.ch, res.err
		default:
			return nil, ctx.Err()
		}
	}
}

// runFactories walks the factories in order until one takes the
// request. When every factory declines, the most specific decline
// wins: not-implemented loses to not-available loses to
// invalid-handle.
func (c *Connection) runFactories(cr *channelRequest) {
	best := channel.RequestNotImplemented

	for _, f := range c.factories {
		ch, status, err := f.Request(cr.req)
		switch status {
		case channel.RequestDone:
			// a fresh channel was already announced and has completed
			// cr; an existing one is handed back here
			c.completeRequest(cr, ch, nil)
			return
		case channel.RequestQueued:
			return
		case channel.RequestError:
			c.completeRequest(cr, nil, err)
			return
		default:
			if status > best {
				best = status
			}
		}
	}

	c.completeRequest(cr, nil, declineError(best, cr.req))
}

func declineError(status channel.RequestStatus, req channel.Request) error {
	switch status {
	case channel.RequestInvalidHandle:
		return fmt.Errorf("%w: handle %d of type %s", pkg.ErrInvalidHandle, req.Handle, req.HandleType)
	case channel.RequestNotAvailable:
		return fmt.Errorf("%w: channel type %s with handle type %s", pkg.ErrNotAvailable, req.ChannelType, req.HandleType)
	default:
		return fmt.Errorf("%w: channel type %s", pkg.ErrNotImplemented, req.ChannelType)
	}
}

// completeRequest delivers a result exactly once and drops the request
// from the queue.
func (c *Connection) completeRequest(cr *channelRequest, ch channel.Channel, err error) {
	c.reqMu.Lock()
	if cr.satisfied {
		c.reqMu.Unlock()
		return
	}
	cr.satisfied = true
	c.removeRequestLocked(cr)
	c.reqMu.Unlock()

	cr.result <- requestResult{ch: ch, err: err}
}

func (c *Connection) removeRequestLocked(cr *channelRequest) {
	for i, queued := range c.pendingReqs {
		if queued == cr {
			c.pendingReqs = append(c.pendingReqs[:i], c.pendingReqs[i+1:]...)
			return
		}
	}
}

// newChannelCb runs whenever a factory announces a channel. Every
// queued request matching the channel's (type, handle type, handle)
// triple is satisfied by it, and the announcement carries the OR of
// their suppress-handler flags: the channel is claimed if any
// requester claimed it.
func (c *Connection) newChannelCb(ch channel.Channel, requested bool) {
	c.reqMu.Lock()
	var matched []*channelRequest
	suppress := false
	for _, cr := range c.pendingReqs {
		if !cr.satisfied && cr.matches(ch) {
			cr.satisfied = true
			matched = append(matched, cr)
			suppress = suppress || cr.suppressHandler
		}
	}
	for _, cr := range matched {
		c.removeRequestLocked(cr)
	}
	onNewChannel := c.onNewChannel
	c.reqMu.Unlock()

	c.logger.Debugf("new channel %s (%s, requested=%t)", ch.ObjectPath(), ch.ChannelType(), requested)

	if onNewChannel != nil {
		onNewChannel(protocol.NewChannelEvent{
			ObjectPath:      ch.ObjectPath(),
			ChannelType:     ch.ChannelType(),
			HandleType:      ch.TargetHandleType(),
			Handle:          ch.TargetHandle(),
			SuppressHandler: suppress,
		})
	}

	for _, cr := range matched {
		cr.result <- requestResult{ch: ch}
	}
}

// channelErrorCb runs when a queued channel fails to materialize. The
// failed channel is never announced; its requesters get the error.
func (c *Connection) channelErrorCb(ch channel.Channel, err error) {
	c.reqMu.Lock()
	var matched []*channelRequest
	for _, cr := range c.pendingReqs {
		if !cr.satisfied && cr.matches(ch) {
			cr.satisfied = true
			matched = append(matched, cr)
		}
	}
	for _, cr := range matched {
		c.removeRequestLocked(cr)
	}
	c.reqMu.Unlock()

	c.logger.Debugf("channel %s fail: %v", ch.ObjectPath(), err)

	for _, cr := range matched {
		cr.result <- requestResult{err: err}
	}
}

// failAllPending fails every blocked requester at teardown, most
// recent first.
func (c *Connection) failAllPending() {
	c.reqMu.Lock()
	var matched []*channelRequest
	for _, cr := range c.pendingReqs {
		if !cr.satisfied {
			cr.satisfied = true
			matched = append(matched, cr)
		}
	}
	c.pendingReqs = nil
	c.reqMu.Unlock()

	for i := len(matched) - 1; i >= 0; i-- {
		matched[i].result <- requestResult{err: fmt.Errorf("%w: connection closed", pkg.ErrDisconnected)}
	}
}
