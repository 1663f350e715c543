// Package genai implements the s2s.Provider interface on top of the official
// Google Gen AI SDK (google.golang.org/genai) Live client.
//
// It speaks the same BidiGenerateContent protocol as the raw WebSocket
// provider in package gemini, but leaves framing, authentication and
// keepalive to the SDK.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	setupTimeout = 15 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscription asks the service to transcribe both user and model speech.
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcribe = enabled }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// Provider implements s2s.Provider using genai.Client.Live.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	transcribe   bool
	setupTimeout time.Duration

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The SDK client is created lazily on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, setupTimeout: setupTimeout}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    inputSampleRate,
		OutputSampleRate:   outputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

func (p *Provider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// Connect opens a Live session through the SDK and waits for the server's
// setupComplete acknowledgement. The SDK sends the setup message but does not
// wait for the reply itself.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, s2s.ErrMissingCredential
	}
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	live, err := client.Live.Connect(ctx, p.model, buildConfig(cfg, p.transcribe))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", classify(err))
	}
	if err := awaitSetupComplete(ctx, live, p.setupTimeout); err != nil {
		_ = live.Close()
		return nil, fmt.Errorf("genai: setup: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		live:   live,
		msgs:   make(chan s2s.ServerMessage, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}
	go s.receiveLoop()
	return s, nil
}

// liveReceiver is the part of *genai.Session that setup waits on.
type liveReceiver interface {
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// awaitSetupComplete reads messages until setupComplete arrives. Receive has
// no context, so on timeout or cancellation live is closed to unblock it.
func awaitSetupComplete(ctx context.Context, live liveReceiver, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil {
				done <- err
				return
			}
			if msg != nil && msg.SetupComplete != nil {
				done <- nil
				return
			}
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		_ = live.Close()
		<-done
		return ctx.Err()
	}
}

// closeCode returns the WebSocket close status carried by err, or -1.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// classify marks SDK errors that mean the credential was refused.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return errors.Join(s2s.ErrUnauthenticated, err)
	}
	if closeCode(err) == websocket.ClosePolicyViolation || strings.Contains(err.Error(), "API key") {
		return errors.Join(s2s.ErrUnauthenticated, err)
	}
	return err
}

// buildConfig maps the session configuration onto the SDK's connect config.
func buildConfig(cfg s2s.SessionConfig, transcribe bool) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			}
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if transcribe {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// toServerMessage maps one SDK message onto the provider-neutral message.
// The second result is false when the message carries nothing for the consumer.
func toServerMessage(msg *genai.LiveServerMessage) (s2s.ServerMessage, bool) {
	var out s2s.ServerMessage
	if msg == nil {
		return out, false
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, s2s.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	if sc := msg.ServerContent; sc != nil {
		out.Interrupted = sc.Interrupted
		out.TurnComplete = sc.TurnComplete
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				out.Audio = append(out.Audio, part.InlineData.Data)
			}
		}
		if sc.InputTranscription != nil {
			out.InputTranscript = sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			out.OutputTranscript = sc.OutputTranscription.Text
		}
	}
	ok := len(out.ToolCalls) > 0 || out.Interrupted || out.TurnComplete || len(out.Audio) > 0 ||
		out.InputTranscript != "" || out.OutputTranscript != ""
	return out, ok
}

func toFunctionResponses(responses []s2s.ToolResponse) []*genai.FunctionResponse {
	out := make([]*genai.FunctionResponse, len(responses))
	for i, r := range responses {
		out[i] = &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	return out
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live *genai.Session
	msgs chan s2s.ServerMessage

	mu           sync.Mutex
	errVal       error
	closed       bool
	errorHandler func(error)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.msgs) })

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if closeCode(err) == websocket.CloseNormalClosure {
				slog.Debug("genai: server closed session")
				return
			}
			s.mu.Lock()
			if s.errVal == nil {
				s.errVal = fmt.Errorf("genai: receive: %w", classify(err))
			}
			s.mu.Unlock()
			return
		}
		if msg.GoAway != nil {
			slog.Info("genai: server announced session end")
		}
		out, ok := toServerMessage(msg)
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

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", inputSampleRate),
			Data:     chunk,
		},
	})
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// SendToolResponse answers tool calls.
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
	err := s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: toFunctionResponses(responses),
	})
	if err != nil {
		return fmt.Errorf("genai: send tool response: %w", err)
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

// OnError registers a callback for in-band errors. The SDK surfaces every
// failure through Receive, so the handler is kept only for interface parity.
func (s *session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.live.Close(); err != nil {
		slog.Debug("genai: close session", "err", err)
	}
	return nil
}
