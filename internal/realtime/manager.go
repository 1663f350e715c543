// Package realtime owns the lifecycle of one live voice session between the
// local audio devices and a remote speech-to-speech model.
//
// A [Manager] acquires an output audio context and a microphone, opens the
// duplex channel through an [s2s.Provider], streams microphone blocks out,
// schedules inbound speech gaplessly on the output clock, stops playback on
// barge-in, answers updateScore tool calls, and tears everything down on
// error or [Manager.Disconnect].
//
// All state lives behind one mutex together with a generation token. The
// token changes on every connect and every teardown; each goroutine and
// callback of a session compares its captured token before touching state or
// devices, so continuations of a finished session are inert.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/triviahost/internal/observe"
	"github.com/MrWong99/triviahost/internal/trivia"
	"github.com/MrWong99/triviahost/pkg/audio"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

const (
	defaultInputRate  = 16000
	defaultOutputRate = 24000
	defaultBlockSize  = 4096
)

// Config is bound to a Manager at construction and used for every connection.
type Config struct {
	// Instructions is the system instruction sent when the channel opens.
	Instructions string

	// Voice is the prebuilt voice the model speaks with.
	Voice string
}

// AudioFormat controls device acquisition. Zero sample rates fall back to the
// provider's capabilities, then to 16 kHz in and 24 kHz out.
type AudioFormat struct {
	InputSampleRate  int
	OutputSampleRate int

	// BlockSize is the number of samples per microphone block.
	BlockSize int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultAudioFormat returns 4096-sample blocks with all platform
// processing requested.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		BlockSize:        defaultBlockSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// ScoreFunc receives every accepted updateScore call.
type ScoreFunc func(trivia.Score)

// Levels are RMS activity levels in [0, 1].
type Levels struct {
	Input  float64
	Output float64
}

// LevelFunc receives activity levels. It is called from the session's
// goroutines and must not block.
type LevelFunc func(Levels)

// StateFunc receives a status snapshot after every state change.
// Notifications are serialised and never stale.
type StateFunc func(Status)

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithScoreFunc registers the score callback.
func WithScoreFunc(fn ScoreFunc) Option {
	return func(m *Manager) { m.onScore = fn }
}

// WithLevelFunc registers the activity-level callback.
func WithLevelFunc(fn LevelFunc) Option {
	return func(m *Manager) { m.onLevel = fn }
}

// WithStateFunc registers the state-change callback.
func WithStateFunc(fn StateFunc) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithAudioFormat overrides [DefaultAudioFormat].
func WithAudioFormat(f AudioFormat) Option {
	return func(m *Manager) { m.format = f }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// session holds the resources of one connection attempt.
type session struct {
	id  string
	gen uint64

	cancelConnect context.CancelFunc
	cancel        context.CancelFunc

	out    audio.OutputContext
	mic    audio.Microphone
	handle s2s.SessionHandle

	timeline  timeline
	voices    map[uint64]audio.Voice
	nextVoice uint64
	pending   map[string]s2s.ToolCall
}

// Manager is the realtime session manager. At most one session is active at
// a time. All exported methods are safe for concurrent use.
type Manager struct {
	provider s2s.Provider
	mics     audio.MicrophoneSource
	outputs  audio.OutputFactory
	cfg      Config
	format   AudioFormat

	onScore ScoreFunc
	onLevel LevelFunc
	onState StateFunc
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	gen       uint64
	state     State
	errMsg    string
	sess      *session
	releasing chan struct{}
	levels    Levels

	notifyMu sync.Mutex
}

// New creates a Manager. Nothing is acquired until [Manager.Connect].
func New(provider s2s.Provider, mics audio.MicrophoneSource, outputs audio.OutputFactory, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		mics:     mics,
		outputs:  outputs,
		cfg:      cfg,
		format:   DefaultAudioFormat(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}

	caps := provider.Capabilities()
	if m.format.InputSampleRate <= 0 {
		m.format.InputSampleRate = caps.InputSampleRate
	}
	if m.format.InputSampleRate <= 0 {
		m.format.InputSampleRate = defaultInputRate
	}
	if m.format.OutputSampleRate <= 0 {
		m.format.OutputSampleRate = caps.OutputSampleRate
	}
	if m.format.OutputSampleRate <= 0 {
		m.format.OutputSampleRate = defaultOutputRate
	}
	if m.format.BlockSize <= 0 {
		m.format.BlockSize = defaultBlockSize
	}
	return m
}

// Format returns the effective audio format.
func (m *Manager) Format() AudioFormat { return m.format }

// ── State ─────────────────────────────────────────────────────────────────────

// Status returns a snapshot of the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state, Err: m.errMsg}
	if m.sess != nil {
		st.SessionID = m.sess.id
	}
	return st
}

// Connected reports whether a session is open.
func (m *Manager) Connected() bool { return m.Status().State == Connected }

// Connecting reports whether a connect attempt is in flight.
func (m *Manager) Connecting() bool { return m.Status().State == Connecting }

// Err returns the message of the last surfaced error, or "".
func (m *Manager) Err() string { return m.Status().Err }

// current reports whether sess is still the active session.
func (m *Manager) current(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == sess.gen
}

// streaming reports whether sess is active and connected.
func (m *Manager) streaming(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == sess.gen && m.state == Connected
}

// adopt runs assign under the lock if sess is still active.
func (m *Manager) adopt(sess *session, assign func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != sess.gen {
		return false
	}
	assign()
	return true
}

func (m *Manager) notify() {
	if m.onState == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.onState(m.Status())
}

func (m *Manager) updateLevels(update func(*Levels)) {
	if m.onLevel == nil {
		return
	}
	m.mu.Lock()
	update(&m.levels)
	lv := m.levels
	m.mu.Unlock()
	m.onLevel(lv)
}

// ── Connect ───────────────────────────────────────────────────────────────────

// Connect opens the output context, the microphone and the channel, in that
// order. It is a no-op while connecting or connected. If a step fails the
// classified error is recorded in [Status.Err], everything acquired so far is
// released, and the *[Error] is returned. If [Manager.Disconnect] runs while
// the attempt is in flight, Connect returns [ErrConnectAborted].
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	for m.releasing != nil {
		ch := m.releasing
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	if m.state != Disconnected {
		state := m.state
		m.mu.Unlock()
		m.log.Debug("realtime: connect ignored", "state", state)
		return nil
	}
	m.gen++
	connectCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:            uuid.NewString(),
		gen:           m.gen,
		cancelConnect: cancel,
		voices:        make(map[uint64]audio.Voice),
		pending:       make(map[string]s2s.ToolCall),
	}
	m.sess = sess
	m.state = Connecting
	m.errMsg = ""
	m.mu.Unlock()
	m.notify()

	start := time.Now()
	spanCtx, span := observe.StartSpan(connectCtx, "realtime.connect",
		trace.WithAttributes(attribute.String("session.id", sess.id)))
	err := m.connect(spanCtx, sess)
	observe.EndSpan(span, err)
	cancel()

	status, kind := "ok", ""
	switch e := err.(type) {
	case nil:
	case *Error:
		status, kind = "error", e.Kind.String()
	default:
		status = "aborted"
	}
	m.metrics.RecordConnect(ctx, status, kind, time.Since(start).Seconds())
	return err
}

func (m *Manager) connect(ctx context.Context, sess *session) error {
	log := observe.WithTrace(ctx, m.log).With("session_id", sess.id)

	out, err := m.outputs.Open(ctx, m.format.OutputSampleRate)
	if err != nil {
		return m.abortConnect(sess, StepOutput, err)
	}
	if !m.adopt(sess, func() { sess.out = out }) {
		m.closeStep("close audio output", out.Close)
		return ErrConnectAborted
	}
	if out.Suspended() {
		if err := out.Resume(ctx); err != nil {
			return m.abortConnect(sess, StepOutput, err)
		}
	}
	observe.Step(ctx, "audio output opened", attribute.Int("sample_rate", out.SampleRate()))

	mic, err := m.mics.Open(ctx, audio.MicrophoneConfig{
		SampleRate:       m.format.InputSampleRate,
		BlockSize:        m.format.BlockSize,
		EchoCancellation: m.format.EchoCancellation,
		NoiseSuppression: m.format.NoiseSuppression,
		AutoGainControl:  m.format.AutoGainControl,
	})
	if err != nil {
		return m.abortConnect(sess, StepMicrophone, err)
	}
	if !m.adopt(sess, func() { sess.mic = mic }) {
		m.closeStep("close microphone", mic.Close)
		return ErrConnectAborted
	}
	observe.Step(ctx, "microphone opened", attribute.Int("block_size", m.format.BlockSize))

	handle, err := m.provider.Connect(ctx, s2s.SessionConfig{
		Instructions: m.cfg.Instructions,
		Voice:        m.cfg.Voice,
		Tools:        []s2s.ToolDefinition{scoreTool()},
	})
	if err != nil {
		return m.abortConnect(sess, StepChannel, err)
	}
	if !m.adopt(sess, func() { sess.handle = handle }) {
		m.closeStep("close channel", handle.Close)
		return ErrConnectAborted
	}
	handle.OnError(func(err error) { m.channelError(sess, err) })
	observe.Step(ctx, "channel opened")

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.gen != sess.gen {
		m.mu.Unlock()
		cancel()
		return ErrConnectAborted
	}
	sess.cancel = cancel
	m.state = Connected
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(runCtx, 1)
	go m.pump(runCtx, sess, mic.Frames())
	go m.read(runCtx, sess, handle.Messages())

	log.Info("realtime: session connected",
		"input_rate", m.format.InputSampleRate,
		"output_rate", m.format.OutputSampleRate,
		"voice", m.cfg.Voice,
	)
	m.notify()
	return nil
}

// abortConnect classifies a failed connect step and tears the attempt down.
func (m *Manager) abortConnect(sess *session, step Step, err error) error {
	cls := Classify(step, err)
	msg := ""
	if cls.Kind.Surfaced() {
		msg = cls.Msg
	}
	if !m.teardown(sess, msg) {
		return ErrConnectAborted
	}
	m.metrics.RecordSessionError(context.Background(), cls.Kind.String())
	m.log.Warn("realtime: connect failed",
		"session_id", sess.id,
		"step", string(step),
		"kind", cls.Kind.String(),
		"err", err,
	)
	return cls
}

// ── Disconnect ────────────────────────────────────────────────────────────────

// Disconnect ends the active session or connect attempt. It is idempotent,
// callable from any state, and returns once every resource is released.
// The error annotation of an earlier failure is kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()

	if sess != nil && m.teardown(sess, "") {
		m.log.Info("realtime: disconnected", "session_id", sess.id)
		return
	}

	m.mu.Lock()
	ch := m.releasing
	m.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// teardown invalidates sess and releases its resources. It reports false if
// sess was no longer active, in which case nothing is done.
func (m *Manager) teardown(sess *session, errMsg string) bool {
	m.mu.Lock()
	if m.sess != sess || m.gen != sess.gen {
		m.mu.Unlock()
		return false
	}
	m.gen++
	m.sess = nil
	wasConnected := m.state == Connected
	released := make(chan struct{})
	m.releasing = released

	voices := sess.voices
	sess.voices = nil
	sess.pending = nil
	sess.timeline.reset()
	cancelRun, cancelConnect := sess.cancel, sess.cancelConnect
	handle, out, mic := sess.handle, sess.out, sess.mic
	m.mu.Unlock()

	m.closeStep("detach microphone", func() error {
		if cancelRun != nil {
			cancelRun()
		}
		cancelConnect()
		return nil
	})
	if handle != nil {
		m.closeStep("close channel", handle.Close)
	}
	m.closeStep("stop playback", func() error {
		for _, v := range voices {
			v.Stop()
		}
		return nil
	})
	if out != nil {
		m.closeStep("close audio output", out.Close)
	}
	if mic != nil {
		m.closeStep("close microphone", mic.Close)
	}

	m.mu.Lock()
	m.state = Disconnected
	if errMsg != "" {
		m.errMsg = errMsg
	}
	m.releasing = nil
	close(released)
	m.mu.Unlock()

	if wasConnected {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	m.updateLevels(func(l *Levels) { *l = Levels{} })
	m.notify()
	return true
}

// closeStep runs one teardown step, logging its error or panic so the next
// step still runs.
func (m *Manager) closeStep(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("realtime: teardown step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		m.log.Warn("realtime: teardown step failed", "step", name, "err", err)
	}
}

// ── Errors ────────────────────────────────────────────────────────────────────

// channelError handles an in-band error reported by the channel.
func (m *Manager) channelError(sess *session, err error) {
	if !m.current(sess) {
		return
	}
	cls := Classify(StepSession, err)
	m.metrics.RecordSessionError(context.Background(), cls.Kind.String())
	if !cls.Kind.Surfaced() {
		m.log.Debug("realtime: absorbed channel error", "session_id", sess.id, "kind", cls.Kind.String(), "err", err)
		return
	}
	m.log.Error("realtime: session failed", "session_id", sess.id, "kind", cls.Kind.String(), "err", err)
	m.teardown(sess, cls.Msg)
}

// channelClosed handles the end of the inbound message stream.
func (m *Manager) channelClosed(sess *session, handle s2s.SessionHandle) {
	if !m.current(sess) {
		return
	}
	err := handle.Err()
	if err == nil {
		m.log.Info("realtime: server closed session", "session_id", sess.id)
		m.teardown(sess, "")
		return
	}
	cls := Classify(StepSession, err)
	m.metrics.RecordSessionError(context.Background(), cls.Kind.String())
	msg := ""
	if cls.Kind.Surfaced() {
		msg = cls.Msg
		m.log.Error("realtime: channel closed", "session_id", sess.id, "kind", cls.Kind.String(), "err", err)
	}
	m.teardown(sess, msg)
}
