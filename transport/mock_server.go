package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lanternchat/go-xcm/pkg"
)

// MockServer plays the remote end of a pipe stream in tests and
// examples. Every inbound stanza is handed to the handler, and
// whatever the handler returns is written back; Push injects
// unsolicited stanzas.
type MockServer struct {
	in  io.ReadCloser
	out io.Writer

	handler func(msg Message) []Message
	logger  pkg.Logger

	mu     sync.Mutex
	closed bool

	runDone chan struct{}
}

// NewMockServerPair wires a client transport and a mock server
// together over in-process pipes. Call Run on the server before
// opening the client stream.
func NewMockServerPair(handler func(msg Message) []Message) (StreamTransport, *MockServer) {
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()

	client := NewPipeStreamTransport(clientReads, clientWrites)
	server := &MockServer{
		in:      serverReads,
		out:     serverWrites,
		handler: handler,
		logger:  pkg.DefaultLogger,
		runDone: make(chan struct{}),
	}
	return client, server
}

// Run consumes inbound stanzas until the stream closes. Start it on
// its own goroutine.
func (s *MockServer) Run() {
	defer pkg.RecoverWithLogger(s.logger)
	defer close(s.runDone)

	sc := bufio.NewScanner(s.in)
	for sc.Scan() {
		msg := append(Message(nil), sc.Bytes()...)
		if s.handler == nil {
			continue
		}
		for _, reply := range s.handler(msg) {
			if err := s.Push(reply); err != nil {
				s.logger.Debugf("mock server reply dropped: %v", err)
				return
			}
		}
	}

	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Errorf("mock server unexpected error reading input: %v", err)
	}
}

// Push writes one unsolicited stanza to the client.
func (s *MockServer) Push(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("mock server is closed")
	}
	if _, err := s.out.Write(append(msg, stanzaDelimiter)); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// Close drops both pipe ends; the client observes a lost stream.
func (s *MockServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.in.Close()
	if c, ok := s.out.(io.Closer); ok {
		_ = c.Close()
	}
	<-s.runDone
}
