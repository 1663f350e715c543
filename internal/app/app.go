// Package app wires the triviahost subsystems into a running application.
//
// The App struct owns the full lifecycle: New resolves the host personality,
// builds the realtime session manager and opens the results store, Run
// connects the voice session and serves the status endpoints, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithMicrophones, WithOutputs, WithStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/triviahost/internal/config"
	"github.com/MrWong99/triviahost/internal/health"
	"github.com/MrWong99/triviahost/internal/observe"
	"github.com/MrWong99/triviahost/internal/realtime"
	"github.com/MrWong99/triviahost/internal/results"
	"github.com/MrWong99/triviahost/internal/trivia"
	"github.com/MrWong99/triviahost/pkg/audio"
	"github.com/MrWong99/triviahost/pkg/audio/ffmpeg"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// ErrSessionEnded is returned by [App.Run] when the voice session ended with
// a surfaced error.
var ErrSessionEnded = errors.New("app: session ended")

const (
	saveTimeout       = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	recentResults     = 10
)

// App owns all subsystem lifetimes of one trivia game.
type App struct {
	cfg      *config.Config
	provider s2s.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	mics     audio.MicrophoneSource
	outputs  audio.OutputFactory
	store    results.Store
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	host     trivia.Host
	board    *trivia.Scoreboard
	manager  *realtime.Manager
	mux      *http.ServeMux

	configPath string
	watchOpts  []config.WatcherOption

	mu    sync.Mutex
	game  *game
	ended chan realtime.Status
	saves sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// game records the session that is currently being played.
type game struct {
	sessionID string
	startedAt time.Time
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophones injects a microphone source instead of the ffmpeg one.
func WithMicrophones(s audio.MicrophoneSource) Option {
	return func(a *App) { a.mics = s }
}

// WithOutputs injects an output factory instead of the ffplay one.
func WithOutputs(f audio.OutputFactory) Option {
	return func(a *App) { a.outputs = f }
}

// WithStore injects a results store instead of creating one from config.
// The App does not close an injected store.
func WithStore(s results.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar makes log level changes in the watched config file apply to v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigWatch polls the config file at path while the app runs.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.configPath = path
		a.watchOpts = opts
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider comes
// from main.go (created via the config registry). cfg must already be
// defaulted and validated.
func New(ctx context.Context, cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider is required")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
		board:    &trivia.Scoreboard{},
		ended:    make(chan realtime.Status, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Host personality ──────────────────────────────────────────────
	if err := a.initHost(); err != nil {
		return nil, fmt.Errorf("app: init host: %w", err)
	}

	// ── 2. Audio devices ─────────────────────────────────────────────────
	a.initDevices()

	// ── 3. Results store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.initManager()

	// ── 5. Status endpoints ──────────────────────────────────────────────
	a.initStatus()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHost resolves the configured host personality from the catalog.
func (a *App) initHost() error {
	catalog, err := trivia.NewCatalog(a.cfg.Hosts)
	if err != nil {
		return err
	}
	host, err := catalog.Lookup(a.cfg.Game.Host)
	if err != nil {
		return err
	}
	a.host = host
	slog.Info("host selected", "id", host.ID, "name", host.Name, "voice", host.Voice)
	return nil
}

// initDevices creates the ffmpeg-backed devices for whatever was not injected.
func (a *App) initDevices() {
	if a.mics == nil {
		a.mics = &ffmpeg.MicrophoneSource{
			Path:   a.cfg.Audio.FFmpegPath,
			Device: a.cfg.Audio.InputDevice,
		}
	}
	if a.outputs == nil {
		a.outputs = &ffmpeg.OutputFactory{Path: a.cfg.Audio.FFplayPath}
	}
}

// initStore opens PostgreSQL when a DSN is configured and falls back to an
// in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		a.store = results.NewMemStore()
		slog.Info("results kept in memory")
		return nil
	}
	store, err := results.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	slog.Info("results stored in postgres")
	return nil
}

// initManager builds the realtime session manager for the selected host.
func (a *App) initManager() {
	if voices := a.provider.Capabilities().Voices; len(voices) > 0 && !slices.Contains(voices, a.host.Voice) {
		slog.Warn("host voice not offered by provider", "voice", a.host.Voice, "voices", voices)
	}
	rtCfg := realtime.Config{
		Instructions: trivia.Instructions(a.host, a.cfg.Game.Settings),
		Voice:        a.host.Voice,
	}
	a.manager = realtime.New(a.provider, a.mics, a.outputs, rtCfg,
		realtime.WithAudioFormat(audioFormat(a.cfg.Audio)),
		realtime.WithMetrics(a.metrics),
		realtime.WithScoreFunc(a.board.Update),
		realtime.WithStateFunc(a.onState),
	)
	a.board.OnChange(func(s trivia.Score) {
		slog.Info("score", "player", s.Player, "host", s.AI)
	})
}

// initStatus assembles the status mux: probes, reports and metrics.
func (a *App) initStatus() {
	h := health.New(
		health.Checker{Name: "config", Check: func(context.Context) error {
			if a.cfg == nil {
				return errors.New("not loaded")
			}
			return nil
		}},
		health.Checker{Name: "session", Check: func(context.Context) error {
			if msg := a.manager.Err(); msg != "" {
				return errors.New(msg)
			}
			return nil
		}},
	)
	h.AddReport(health.Report{Path: "/status", Build: a.status})
	h.AddReport(health.Report{Path: "/results", Build: func(ctx context.Context) (any, error) {
		recent, err := a.store.Recent(ctx, recentResults)
		if recent == nil && err == nil {
			recent = []results.GameResult{}
		}
		return recent, err
	}})

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.mux = mux
}

// audioFormat maps the audio config section onto the manager's format. Nil
// processing flags mean "requested".
func audioFormat(c config.AudioConfig) realtime.AudioFormat {
	f := realtime.DefaultAudioFormat()
	f.InputSampleRate = c.InputSampleRate
	f.OutputSampleRate = c.OutputSampleRate
	if c.BlockSize > 0 {
		f.BlockSize = c.BlockSize
	}
	f.EchoCancellation = flagOr(c.EchoCancellation, true)
	f.NoiseSuppression = flagOr(c.NoiseSuppression, true)
	f.AutoGainControl = flagOr(c.AutoGainControl, true)
	return f
}

func flagOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the realtime session manager.
func (a *App) Manager() *realtime.Manager { return a.manager }

// Scoreboard returns the score board fed by the model's updateScore calls.
func (a *App) Scoreboard() *trivia.Scoreboard { return a.board }

// Host returns the selected host personality.
func (a *App) Host() trivia.Host { return a.host }

// Handler returns the status HTTP handler, wrapped in the observe middleware.
func (a *App) Handler() http.Handler { return observe.Middleware(a.metrics)(a.mux) }

// StatusReport is the document served at /status.
type StatusReport struct {
	realtime.Status
	Host  string       `json:"host"`
	Score trivia.Score `json:"score"`
}

func (a *App) status(context.Context) (any, error) {
	return StatusReport{
		Status: a.manager.Status(),
		Host:   a.host.Name,
		Score:  a.board.Score(),
	}, nil
}

// ─── Game lifecycle ──────────────────────────────────────────────────────────

// onState tracks the game across session state changes. The board is cleared
// when a connect starts, a game starts when the session connects, and it
// ends, with its result saved, when that session disconnects.
func (a *App) onState(st realtime.Status) {
	switch st.State {
	case realtime.Connecting:
		a.board.Reset()

	case realtime.Connected:
		a.mu.Lock()
		a.game = &game{sessionID: st.SessionID, startedAt: time.Now()}
		a.mu.Unlock()
		slog.Info("game started", "session_id", st.SessionID, "host", a.host.Name)

	case realtime.Disconnected:
		a.mu.Lock()
		g := a.game
		a.game = nil
		a.mu.Unlock()
		if g == nil {
			return
		}
		a.finishGame(g, time.Now())
		select {
		case a.ended <- st:
		default:
		}
	}
}

// finishGame saves the result of g in the background. Games where nobody
// scored are not recorded.
func (a *App) finishGame(g *game, endedAt time.Time) {
	score := a.board.Score()
	if score.Zero() {
		slog.Info("game ended without score", "session_id", g.sessionID)
		return
	}
	r := results.GameResult{
		SessionID:  g.sessionID,
		HostID:     a.host.ID,
		Voice:      a.host.Voice,
		Topic:      a.cfg.Game.Topic,
		Difficulty: a.cfg.Game.Difficulty,
		Score:      score,
		StartedAt:  g.startedAt,
		EndedAt:    endedAt,
	}
	a.saves.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		saved, err := a.store.Save(ctx, r)
		if err != nil {
			slog.Error("failed to save game result", "session_id", r.SessionID, "err", err)
			return
		}
		slog.Info("game ended", "session_id", r.SessionID, "result_id", saved.ID,
			"player", score.Player, "host", score.AI, "winner", saved.Winner())
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the voice session and blocks until ctx is cancelled or the
// session ends. A failed connect is returned. A session that ends with a
// surfaced error yields [ErrSessionEnded]; a clean end returns nil.
//
// When the server section has a listen address, the status endpoints are
// served for the duration of Run. When a config path was given with
// [WithConfigWatch], the file is watched for log level changes.
func (a *App) Run(ctx context.Context) error {
	watcher, err := a.newWatcher()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error { return a.serve(srv) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// The status server lives exactly as long as the session.
		defer cancel()
		return a.play(gctx)
	})

	err = g.Wait()
	a.manager.Disconnect()
	return err
}

// play connects the session and waits for it to end.
func (a *App) play(ctx context.Context) error {
	// Forget a game that ended before this run.
	select {
	case <-a.ended:
	default:
	}
	if err := a.manager.Connect(ctx); err != nil {
		var rtErr *realtime.Error
		switch {
		case ctx.Err() != nil, errors.Is(err, realtime.ErrConnectAborted):
			return nil
		case errors.As(err, &rtErr) && !rtErr.Kind.Surfaced():
			return nil
		}
		return fmt.Errorf("app: connect: %w", err)
	}
	slog.Info("session connected", "host", a.host.Name, "session_id", a.manager.Status().SessionID)

	select {
	case <-ctx.Done():
		return nil
	case st := <-a.ended:
		if st.Err != "" {
			return fmt.Errorf("%w: %s", ErrSessionEnded, st.Err)
		}
		return nil
	}
}

func (a *App) serve(srv *http.Server) error {
	slog.Info("status server listening", "addr", srv.Addr)
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: status server: %w", err)
}

// newWatcher loads the watched config file, if one was given.
func (a *App) newWatcher() (*config.Watcher, error) {
	if a.configPath == "" {
		return nil, nil
	}
	w, err := config.NewWatcher(a.configPath, a.onConfigChange, a.watchOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: watch config: %w", err)
	}
	return w, nil
}

// onConfigChange applies the log level live. Every other change only takes
// effect on the next start.
func (a *App) onConfigChange(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed; restart to apply", "sections", d.RestartRequired)
	}
}

// LogLevel maps a config log level onto slog. Unknown values map to info.
func LogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the voice session first so its result is queued for saving.
		a.manager.Disconnect()

		saved := make(chan struct{})
		go func() {
			a.saves.Wait()
			close(saved)
		}()
		select {
		case <-saved:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while saving results")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
