// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the inbound message stream and inspect what the code
// under test sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.Last()
//	sess.Emit(s2s.ServerMessage{Audio: [][]byte{pcm}})
//	sess.Finish(nil) // server-side close
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if non-nil, is returned by every Connect call. Otherwise each
	// Connect creates a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until the channel is closed or the
	// context is cancelled. Use it to simulate a slow handshake.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Sessions returns every session handed out by Connect, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// SendToolResponseCall records a single invocation of Session.SendToolResponse.
type SendToolResponseCall struct {
	// Responses is a copy of the responses passed in.
	Responses []s2s.ToolResponse
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu        sync.Mutex
	msgs      chan s2s.ServerMessage
	closeOnce sync.Once
	closed    bool
	err       error
	onError   func(error)

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by every SendToolResponse call.
	SendToolResponseErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendToolResponseCalls records every call to SendToolResponse in order.
	SendToolResponseCalls []SendToolResponseCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a session with a buffered message channel.
func NewSession() *Session {
	return &Session{msgs: make(chan s2s.ServerMessage, 64)}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// SendToolResponse records the call and returns SendToolResponseErr.
func (s *Session) SendToolResponse(_ context.Context, responses ...s2s.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]s2s.ToolResponse, len(responses))
	copy(cp, responses)
	s.SendToolResponseCalls = append(s.SendToolResponseCalls, SendToolResponseCall{Responses: cp})
	return s.SendToolResponseErr
}

// Messages returns the inbound message channel.
func (s *Session) Messages() <-chan s2s.ServerMessage {
	return s.msgs
}

// Err returns the error passed to Finish, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnError stores the in-band error handler.
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// Emit queues one server message. It reports false once the session is closed.
func (s *Session) Emit(msg s2s.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.msgs <- msg
	return true
}

// EmitError invokes the registered OnError handler with err, if any.
func (s *Session) EmitError(err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Finish simulates the server closing the channel with err (nil for a clean
// close).
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closeLocked()
}

// Close records the call, closes the message channel and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closeLocked()
	}
	return s.CloseErr
}

func (s *Session) closeLocked() {
	s.closed = true
	s.closeOnce.Do(func() { close(s.msgs) })
}

// Closed reports whether the session was closed by either side.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioSent returns a copy of the recorded SendAudio calls.
func (s *Session) AudioSent() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// ToolResponsesSent returns a copy of the recorded SendToolResponse calls.
func (s *Session) ToolResponsesSent() []SendToolResponseCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendToolResponseCall, len(s.SendToolResponseCalls))
	copy(out, s.SendToolResponseCalls)
	return out
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
