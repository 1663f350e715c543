// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. Examples
// include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a duplex channel that carries
// microphone audio out and server messages (audio, barge-in signals, tool
// calls, transcripts) in. A session is opened once per conversation and is
// not reconfigured while it runs.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMissingCredential is returned by Connect when no API key is configured.
	ErrMissingCredential = errors.New("s2s: missing API key")

	// ErrUnauthenticated is returned when the service rejects the credential.
	ErrUnauthenticated = errors.New("s2s: API key rejected")

	// ErrSessionClosed is returned by send methods after the session has closed.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrMalformed marks an in-band error about a single server message that
	// could not be decoded. The session itself remains usable.
	ErrMalformed = errors.New("s2s: malformed server message")

	// ErrRejected marks an in-band error where the service refused a single
	// client event (for example a response request while one is already in
	// progress). The session itself remains usable.
	ErrRejected = errors.New("s2s: request rejected")
)

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model when and how to use the tool.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the configuration for a new S2S session. It is bound at
// connect time and immutable for the life of the session.
type SessionConfig struct {
	// Instructions is the system-level prompt defining the host's personality
	// and the rules of the game.
	Instructions string

	// Voice is the provider-specific prebuilt voice name (e.g. "Puck").
	Voice string

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	// ID is the service-assigned invocation id, echoed in the matching response.
	ID string

	// Name is the requested function.
	Name string

	// Args holds the decoded JSON arguments.
	Args map[string]any
}

// ToolResponse answers a [ToolCall].
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// ServerMessage is one inbound message from the service. A single message may
// carry several of the fields at once; consumers handle them in the order
// ToolCalls, Interrupted, Audio.
type ServerMessage struct {
	// ToolCalls lists function invocations requested by the model.
	ToolCalls []ToolCall

	// Interrupted reports that the user barged in and the model abandoned its
	// current turn. Any audio still playing should be discarded.
	Interrupted bool

	// Audio holds raw little-endian int16 PCM chunks at the provider's output
	// sample rate, in playback order.
	Audio [][]byte

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// InputTranscript and OutputTranscript carry incremental transcription of
	// user and model speech when the service provides it.
	InputTranscript  string
	OutputTranscript string
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate SendAudio expects, in Hz.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of ServerMessage.Audio, in Hz.
	OutputSampleRate int

	// MaxSessionDuration is the service-imposed session limit. Zero means no
	// documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Callers must call Close when the
// session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one little-endian int16 PCM chunk at the provider's
	// input sample rate. Returns [ErrSessionClosed] after close.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendToolResponse answers one or more tool calls.
	SendToolResponse(ctx context.Context, responses ...ToolResponse) error

	// Messages returns the inbound message stream. The channel is closed when
	// the session ends, from either side. After it closes, call Err.
	Messages() <-chan ServerMessage

	// Err returns the error that ended the session, or nil for a clean close.
	Err() error

	// OnError registers a handler for in-band errors that do not by
	// themselves close the session (e.g. a malformed server message). Passing
	// nil clears the handler. The handler runs on the receive goroutine.
	OnError(handler func(error))

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session and returns once the service has
	// acknowledged the setup, meaning the channel is open.
	//
	// Returns [ErrMissingCredential] without any network activity when no
	// credential is configured, and an error wrapping [ErrUnauthenticated]
	// when the service rejects it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
