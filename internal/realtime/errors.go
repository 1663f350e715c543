package realtime

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/MrWong99/triviahost/pkg/audio"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// Kind categorises a session error. Only configuration, device-access and
// transport errors are shown to the user; the rest are logged and absorbed.
type Kind int

const (
	// KindConfiguration is a missing or rejected credential.
	KindConfiguration Kind = iota + 1
	// KindDeviceAccess is a microphone or audio output that cannot be used.
	KindDeviceAccess
	// KindTransport is a failure of the duplex channel itself.
	KindTransport
	// KindTransientSend is one outbound frame that could not be sent.
	KindTransientSend
	// KindTransientDecode is one inbound payload that could not be decoded.
	KindTransientDecode
	// KindBenignInterrupt is a channel error that only reflects an
	// intentional interruption or cancellation.
	KindBenignInterrupt
)

// String returns the lowercase label used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDeviceAccess:
		return "device_access"
	case KindTransport:
		return "transport"
	case KindTransientSend:
		return "transient_send"
	case KindTransientDecode:
		return "transient_decode"
	case KindBenignInterrupt:
		return "benign_interrupt"
	default:
		return "unknown"
	}
}

// Surfaced reports whether errors of this kind become the visible error
// message of the manager.
func (k Kind) Surfaced() bool {
	return k == KindConfiguration || k == KindDeviceAccess || k == KindTransport
}

// Error is a classified session error. Msg is the user-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "realtime: " + e.Msg
	}
	return "realtime: " + e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrConnectAborted is returned by [Manager.Connect] when [Manager.Disconnect]
// ran while the connect attempt was in flight.
var ErrConnectAborted = errors.New("realtime: connect aborted by disconnect")

// Step names the operation during which an error occurred.
type Step string

const (
	StepOutput     Step = "open audio output"
	StepMicrophone Step = "open microphone"
	StepChannel    Step = "open channel"
	StepSend       Step = "send audio"
	StepDecode     Step = "decode audio"
	StepSession    Step = "session"
)

// User-facing messages.
const (
	msgMissingKey        = "missing API key"
	msgKeyRejected       = "API key rejected"
	msgNetwork           = "network unavailable"
	msgMicPermission     = "microphone permission denied"
	msgMicUnavailable    = "microphone unavailable"
	msgOutputUnavailable = "audio output unavailable"
	msgConnectFailed     = "could not connect to the speech service"
	msgConnectionLost    = "connection to the speech service lost"
	msgFrameDropped      = "audio frame not sent"
	msgChunkDropped      = "audio chunk dropped"
	msgRequestRejected   = "request rejected by the speech service"
	msgInterrupted       = "interrupted"
)

// Classify maps err, raised during step, onto the error taxonomy. It returns
// nil for a nil err and passes an existing *Error through unchanged.
func Classify(step Step, err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	e := &Error{Err: err}
	switch {
	case isBenign(err):
		e.Kind, e.Msg = KindBenignInterrupt, msgInterrupted

	case errors.Is(err, s2s.ErrMissingCredential):
		e.Kind, e.Msg = KindConfiguration, msgMissingKey
	case errors.Is(err, s2s.ErrUnauthenticated):
		e.Kind, e.Msg = KindConfiguration, msgKeyRejected

	case step == StepOutput:
		e.Kind, e.Msg = KindDeviceAccess, msgOutputUnavailable
	case errors.Is(err, audio.ErrPermissionDenied):
		e.Kind, e.Msg = KindDeviceAccess, msgMicPermission
	case step == StepMicrophone:
		e.Kind, e.Msg = KindDeviceAccess, msgMicUnavailable

	case step == StepSend:
		e.Kind, e.Msg = KindTransientSend, msgFrameDropped
	case step == StepSession && errors.Is(err, s2s.ErrRejected):
		e.Kind, e.Msg = KindTransientSend, msgRequestRejected
	case step == StepDecode, errors.Is(err, audio.ErrDecode), errors.Is(err, s2s.ErrMalformed):
		e.Kind, e.Msg = KindTransientDecode, msgChunkDropped

	case isNetwork(err):
		e.Kind, e.Msg = KindTransport, msgNetwork
	case step == StepChannel:
		e.Kind, e.Msg = KindTransport, msgConnectFailed
	default:
		e.Kind, e.Msg = KindTransport, msgConnectionLost
	}
	return e
}

// isBenign reports whether err only reflects a deliberate interruption.
func isBenign(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectAborted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "interrupted") || strings.Contains(msg, "aborted")
}

// isNetwork reports whether err comes from the network stack rather than
// from the remote service.
func isNetwork(err error) bool {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
