package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tidwall/gjson"

	"github.com/lanternchat/go-xcm/pkg"
)

const stanzaDelimiter = '\n'

// pipeStreamTransport frames newline-delimited stanza envelopes over
// an arbitrary reader/writer pair. It is the transport used by the
// tests and the example against an in-process scripted server; a real
// deployment would substitute an implementation that owns the TCP/TLS
// stream and the SASL exchange.
type pipeStreamTransport struct {
	in  io.ReadCloser
	out io.Writer

	mu           sync.Mutex
	receiver     StreamReceiver
	onDisconnect func(err error)
	open         bool

	// outstanding SendWithReply calls keyed by stanza id
	pending cmap.ConcurrentMap[string, func(reply Message, err error)]

	logger pkg.Logger

	cancel          context.CancelFunc
	receiveShutDone chan struct{}
}

type PipeOption func(*pipeStreamTransport)

func WithPipeLogger(logger pkg.Logger) PipeOption {
	return func(t *pipeStreamTransport) {
		t.logger = logger
	}
}

func NewPipeStreamTransport(in io.ReadCloser, out io.Writer, opts ...PipeOption) StreamTransport {
	t := &pipeStreamTransport{
		in:              in,
		out:             out,
		pending:         cmap.New[func(reply Message, err error)](),
		logger:          pkg.DefaultLogger,
		receiveShutDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *pipeStreamTransport) Open(onComplete func(err error)) error {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		cancel()
		return errors.New("stream already open")
	}
	t.open = true
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		defer pkg.Recover()

		t.receive(ctx)

		close(t.receiveShutDone)
	}()

	go func() {
		defer pkg.Recover()

		select {
		case <-ctx.Done():
		default:
			onComplete(nil)
		}
	}()

	return nil
}

// Authenticate is trivially successful on a pipe: the credential
// exchange belongs to the wire-owning transport this one stands in
// for. The callback still fires asynchronously so callers exercise the
// same suspension point.
func (t *pipeStreamTransport) Authenticate(_, _, _ string, onComplete func(err error)) error {
	if !t.IsOpen() {
		return errors.New("stream not open")
	}
	go func() {
		defer pkg.Recover()

		onComplete(nil)
	}()
	return nil
}

func (t *pipeStreamTransport) Send(msg Message) error {
	if !t.IsOpen() {
		return errors.New("stream not open")
	}
	if _, err := t.out.Write(append(msg, stanzaDelimiter)); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func (t *pipeStreamTransport) SendWithReply(msg Message, onReply func(reply Message, err error)) error {
	id := gjson.GetBytes(msg, "id").String()
	if id == "" {
		return errors.New("stanza has no id, can't correlate a reply")
	}

	t.pending.Set(id, onReply)
	if err := t.Send(msg); err != nil {
		t.pending.Remove(id)
		return err
	}
	return nil
}

func (t *pipeStreamTransport) SetReceiver(receiver StreamReceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.receiver = receiver
}

func (t *pipeStreamTransport) SetDisconnectHandler(handler func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onDisconnect = handler
}

func (t *pipeStreamTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.open
}

func (t *pipeStreamTransport) CancelOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	t.open = false
}

func (t *pipeStreamTransport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	cancel := t.cancel
	onDisconnect := t.onDisconnect
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := t.in.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}

	<-t.receiveShutDone

	if onDisconnect != nil {
		onDisconnect(nil)
	}
	return nil
}

func (t *pipeStreamTransport) receive(ctx context.Context) {
	s := bufio.NewScanner(t.in)

	for s.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			t.dispatch(ctx, append([]byte(nil), s.Bytes()...))
		}
	}

	if err := s.Err(); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return
		}
		t.logger.Errorf("unexpected error reading stream: %v", err)
		t.streamLost(err)
		return
	}

	// EOF without a local Close means the server went away
	t.streamLost(io.EOF)
}

func (t *pipeStreamTransport) dispatch(ctx context.Context, msg Message) {
	// replies to SendWithReply are routed by stanza id, everything
	// else goes to the receiver
	iqType := gjson.GetBytes(msg, "type").String()
	if iqType == "result" || iqType == "error" {
		if id := gjson.GetBytes(msg, "id").String(); id != "" {
			if onReply, ok := t.pending.Pop(id); ok {
				onReply(msg, nil)
				return
			}
		}
	}

	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()

	if receiver == nil {
		t.logger.Debugf("no receiver attached, dropping stanza: %s", msg)
		return
	}
	// a stanza already off the wire is processed to completion even
	// when the stream shuts down underneath it
	if err := receiver.Receive(pkg.NewCancelShieldContext(ctx), msg); err != nil {
		t.logger.Errorf("receiver failed: %v", err)
	}
}

func (t *pipeStreamTransport) streamLost(cause error) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return
	}
	t.open = false
	onDisconnect := t.onDisconnect
	t.mu.Unlock()

	t.pending.IterCb(func(id string, onReply func(reply Message, err error)) {
		onReply(nil, fmt.Errorf("stream lost: %w", cause))
	})
	t.pending.Clear()

	if onDisconnect != nil {
		onDisconnect(cause)
	}
}
