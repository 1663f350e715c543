// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks at 24 kHz in both
// directions. Server-side voice activity detection drives barge-in: a
// speech_started event is surfaced as an interrupted message.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	sampleRate   = 24000
	setupTimeout = 15 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel enables input audio transcription with the given
// model (e.g. "whisper-1").
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithSetupTimeout bounds how long Connect waits for the session handshake.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	setupTimeout       time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: setupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    sampleRate,
		OutputSampleRate:   sampleRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, waits for session.created, applies the
// configuration with session.update and waits for session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, s2s.ErrMissingCredential
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = errors.Join(s2s.ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		msgs:   make(chan s2s.ServerMessage, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	hctx := ctx
	if p.setupTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, p.setupTimeout)
		defer cancel()
	}
	fail := func(stage string, err error) (s2s.SessionHandle, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, stage+" failed")
		return nil, fmt.Errorf("openai: %s: %w", stage, err)
	}
	if err := sess.await(hctx, "session.created"); err != nil {
		return fail("handshake", err)
	}
	if err := sess.writeJSON(buildSessionUpdate(cfg, p.transcriptionModel)); err != nil {
		return fail("session update", err)
	}
	if err := sess.await(hctx, "session.updated"); err != nil {
		return fail("session update", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

func buildSessionUpdate(cfg s2s.SessionConfig, transcriptionModel string) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	if transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParam{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// toOAITools converts tool definitions to the OpenAI Realtime tool format.
func toOAITools(tools []s2s.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// recoverableCodes are error codes about a single rejected client event
// after which the session keeps running.
var recoverableCodes = map[string]bool{
	"conversation_already_has_active_response": true,
	"response_cancel_not_active":               true,
	"input_audio_buffer_commit_empty":          true,
}

func (e *serverErrorDetail) err() error {
	msg := "unknown error"
	if e != nil && e.Message != "" {
		msg = e.Message
	}
	switch {
	case e == nil:
		return fmt.Errorf("openai: %s", msg)
	case e.Code == "invalid_api_key":
		return errors.Join(s2s.ErrUnauthenticated, fmt.Errorf("openai: %s", msg))
	case recoverableCodes[e.Code]:
		return fmt.Errorf("openai: %s (%s): %w", msg, e.Code, s2s.ErrRejected)
	}
	return fmt.Errorf("openai: %s", msg)
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// toServerMessage maps one event onto the provider-neutral message. ok is
// false for events the consumer does not need; decodeErr reports a payload
// that could not be parsed.
func toServerMessage(evt *serverEvent) (out s2s.ServerMessage, ok bool, decodeErr error) {
	switch evt.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return out, false, fmt.Errorf("openai: decode audio delta: %w: %w", s2s.ErrMalformed, err)
		}
		if len(pcm) == 0 {
			return out, false, nil
		}
		out.Audio = [][]byte{pcm}

	case "input_audio_buffer.speech_started":
		out.Interrupted = true

	case "response.done":
		out.TurnComplete = true

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return out, false, nil
		}
		out.OutputTranscript = evt.Delta

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return out, false, nil
		}
		out.InputTranscript = evt.Transcript

	case "response.function_call_arguments.done":
		call := s2s.ToolCall{ID: evt.CallID, Name: evt.Name}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &call.Args); err != nil {
				decodeErr = fmt.Errorf("openai: decode arguments of %s: %w: %w", evt.Name, s2s.ErrMalformed, err)
			}
		}
		out.ToolCalls = []s2s.ToolCall{call}

	default:
		return out, false, nil
	}
	return out, true, decodeErr
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn         *websocket.Conn
	msgs         chan s2s.ServerMessage
	errorHandler func(error)

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// await reads events until one of type want arrives. An error event fails
// the wait.
func (s *session) await(ctx context.Context, want string) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case want:
			return nil
		case "error":
			return evt.Error.err()
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns msgs and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				slog.Debug("openai: server closed session")
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.reportError(fmt.Errorf("openai: decode server event: %w: %w", s2s.ErrMalformed, err))
			continue
		}
		if evt.Type == "error" {
			s.reportError(evt.Error.err())
			continue
		}

		out, ok, decodeErr := toServerMessage(&evt)
		if decodeErr != nil {
			s.reportError(decodeErr)
		}
		if !ok {
			continue
		}
		select {
		case s.msgs <- out:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) reportError(err error) {
	s.mu.Lock()
	handler := s.errorHandler
	s.mu.Unlock()

	if handler == nil {
		slog.Warn("openai: in-band error", "err", err)
		return
	}
	handler(err)
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.msgs)
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// SendToolResponse returns each result as a function_call_output item and
// then asks the model to continue with response.create.
func (s *session) SendToolResponse(ctx context.Context, responses ...s2s.ToolResponse) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(responses) == 0 {
		return nil
	}

	for _, r := range responses {
		output, err := json.Marshal(r.Response)
		if err != nil {
			return fmt.Errorf("openai: marshal tool output: %w", err)
		}
		err = s.writeJSON(createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: r.ID,
				Output: string(output),
			},
		})
		if err != nil {
			return fmt.Errorf("openai: send tool response: %w", err)
		}
	}
	if err := s.writeJSON(map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("openai: request response: %w", err)
	}
	return nil
}

// Messages returns the channel on which server messages arrive.
func (s *session) Messages() <-chan s2s.ServerMessage { return s.msgs }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// OnError registers a callback for non-fatal error events from the provider.
func (s *session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
