package pkg

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every asynchronous operation. Callers are
// expected to test with errors.Is; wrapped messages carry the detail.
var (
	ErrDisconnected    = errors.New("connection is disconnected")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrNotAvailable    = errors.New("not available")
	ErrNotImplemented  = errors.New("not implemented")
	ErrNetwork         = errors.New("network error")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrNameInUse       = errors.New("name in use")
	ErrEncryption      = errors.New("encryption error")

	ErrJSONUnmarshal = errors.New("json unmarshal fail")
)

// ErrChannelExists refuses a must-be-new channel request whose channel
// is already live. It is a flavor of ErrNotAvailable so callers
// testing for the broader class still match.
var ErrChannelExists = fmt.Errorf("%w: channel already exists", ErrNotAvailable)

// StreamError reports a failure raised by the stream transport
// collaborator, carrying the stage it happened in.
type StreamError struct {
	Stage string
	Err   error
}

func NewStreamError(stage string, err error) *StreamError {
	return &StreamError{Stage: stage, Err: err}
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s fail: %v", e.Stage, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func JoinErrors(errList []error) error {
	if len(errList) == 0 {
		return nil
	}
	return errors.Join(errList...)
}
