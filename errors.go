package zhttp

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"

	"github.com/crazyfrankie/zhttp/protocol"
)

var (
	ErrEngineShutdown   = errors.New("zhttp: engine is shutting down")
	ErrEndpointReleased = errors.New("zhttp: endpoint already released")
	ErrConnectionClosed = errors.New("zhttp: connection closed")
	ErrStreamRefused    = errors.New("zhttp: stream refused by peer")
	ErrNotStarted       = errors.New("zhttp: engine not started")
)

// ProducerError reports that a request or response producer failed.
type ProducerError struct {
	Cause error
}

func (e *ProducerError) Error() string { return "zhttp: producer failed: " + e.Cause.Error() }
func (e *ProducerError) Unwrap() error { return e.Cause }

// TransportError reports an I/O failure, a reset, or a closed connection.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("zhttp: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// TimeoutError reports an expired exchange or connect deadline.
type TimeoutError struct {
	Op    string
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("zhttp: %s timed out: %v", e.Op, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Timeout reports true so callers checking net.Error style timeouts work.
func (e *TimeoutError) Timeout() bool { return true }

// NegotiationError reports that the peer could not satisfy the version policy.
type NegotiationError struct {
	Policy protocol.VersionPolicy
	Cause  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("zhttp: negotiation under %s failed: %v", e.Policy, e.Cause)
}

func (e *NegotiationError) Unwrap() error { return e.Cause }

// ProtocolError reports a malformed message, a body length mismatch or an
// unsolicited response.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string { return "zhttp: protocol violation: " + e.Cause.Error() }
func (e *ProtocolError) Unwrap() error { return e.Cause }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Cause: fmt.Errorf(format, args...)}
}

// streamReset builds the error for a peer RST_STREAM. A refused stream never
// reached the application and is safe to retry.
func streamReset(id uint32, code http2.ErrCode) error {
	se := http2.StreamError{StreamID: id, Code: code}
	if code == http2.ErrCodeRefusedStream {
		return &TransportError{Op: "stream reset", Cause: fmt.Errorf("%w: %w", ErrStreamRefused, se)}
	}
	return &TransportError{Op: "stream reset", Cause: se}
}

// closedError wraps the reason a connection went away.
func closedError(cause error) error {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	var te *TransportError
	if errors.As(cause, &te) {
		return cause
	}
	var pe *ProtocolError
	if errors.As(cause, &pe) {
		return cause
	}
	var to *TimeoutError
	if errors.As(cause, &to) {
		return cause
	}
	return &TransportError{Op: "connection", Cause: cause}
}

// reportedError marks a close cause that already reached an exchange. It
// stays out of the exception log.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// poisonsConn reports whether an exchange failure leaves the connection
// unfit for reuse even when the protocol could carry on.
func poisonsConn(err error) bool {
	var pe *ProtocolError
	var pre *ProducerError
	return errors.As(err, &pe) || errors.As(err, &pre)
}

// isRetryable reports whether a failed attempt may be repeated on a fresh
// connection.
func isRetryable(err error) bool {
	if errors.Is(err, ErrEngineShutdown) {
		return false
	}
	if errors.Is(err, ErrStreamRefused) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
