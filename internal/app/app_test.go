package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/triviahost/internal/app"
	"github.com/MrWong99/triviahost/internal/config"
	"github.com/MrWong99/triviahost/internal/observe"
	"github.com/MrWong99/triviahost/internal/realtime"
	"github.com/MrWong99/triviahost/internal/results"
	"github.com/MrWong99/triviahost/internal/trivia"
	audiomock "github.com/MrWong99/triviahost/pkg/audio/mock"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
	s2smock "github.com/MrWong99/triviahost/pkg/provider/s2s/mock"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

// testConfig returns a defaulted config with a pirate game about oceans.
func testConfig() *config.Config {
	cfg := &config.Config{
		Game: config.GameConfig{
			Host:     "pirate",
			Settings: trivia.Settings{Topic: "oceans", Difficulty: trivia.Hard, Questions: 5},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// harness holds an App built on mock devices, a mock provider and an
// in-memory store.
type harness struct {
	provider *s2smock.Provider
	mics     *audiomock.MicrophoneSource
	outputs  *audiomock.OutputFactory
	store    *results.MemStore
	app      *app.App
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		provider: &s2smock.Provider{},
		mics:     &audiomock.MicrophoneSource{},
		outputs:  &audiomock.OutputFactory{},
		store:    results.NewMemStore(),
	}
	h.app, err = app.New(context.Background(), cfg, h.provider,
		app.WithMicrophones(h.mics),
		app.WithOutputs(h.outputs),
		app.WithStore(h.store),
		app.WithMetrics(met),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = h.app.Shutdown(context.Background()) })
	return h
}

// connect opens a session through the manager and returns its mock handle.
func (h *harness) connect(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := h.app.Manager().Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h.provider.Last()
}

func scoreCall(id string, player, ai int) s2s.ServerMessage {
	return s2s.ServerMessage{ToolCalls: []s2s.ToolCall{{
		ID:   id,
		Name: realtime.ToolUpdateScore,
		Args: map[string]any{"playerScore": float64(player), "aiScore": float64(ai)},
	}}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	if got := h.app.Host().ID; got != "pirate" {
		t.Errorf("Host().ID = %q, want %q", got, "pirate")
	}
	if h.app.Manager() == nil {
		t.Fatal("Manager() = nil")
	}
	if st := h.app.Manager().Status(); st.State != realtime.Disconnected {
		t.Errorf("state after New = %v, want disconnected", st.State)
	}
	if n := h.provider.ConnectCount(); n != 0 {
		t.Errorf("ConnectCount = %d, want 0 before Run", n)
	}
}

func TestNew_SessionConfigFromHost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.connect(t)

	calls := h.provider.ConnectCalls
	if len(calls) != 1 {
		t.Fatalf("ConnectCalls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Voice != "Fenrir" {
		t.Errorf("Voice = %q, want %q", cfg.Voice, "Fenrir")
	}
	want := trivia.Instructions(h.app.Host(), testConfig().Game.Settings)
	if cfg.Instructions != want {
		t.Errorf("Instructions = %q, want %q", cfg.Instructions, want)
	}
}

func TestNew_FuzzyHostName(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Game.Host = "Profesor Quill"
	h := newHarness(t, cfg)
	if got := h.app.Host().ID; got != "professor" {
		t.Errorf("Host().ID = %q, want %q", got, "professor")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown host", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Game.Host = "zzzzzz"
		_, err := app.New(context.Background(), cfg, &s2smock.Provider{},
			app.WithStore(results.NewMemStore()))
		if !errors.Is(err, trivia.ErrUnknownHost) {
			t.Errorf("err = %v, want ErrUnknownHost", err)
		}
	})

	t.Run("nil provider", func(t *testing.T) {
		t.Parallel()
		if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
			t.Error("expected error for nil provider")
		}
	})
}

// ── Game lifecycle ───────────────────────────────────────────────────────────

func TestGame_SavesResultOnDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	sess := h.connect(t)
	sessionID := h.app.Manager().Status().SessionID

	sess.Emit(scoreCall("c1", 1, 0))
	sess.Emit(scoreCall("c2", 2, 1))
	waitFor(t, "score 2:1", func() bool {
		return h.app.Scoreboard().Score() == trivia.Score{Player: 2, AI: 1}
	})

	h.app.Manager().Disconnect()
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := h.store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("saved %d results, want 1", len(got))
	}
	r := got[0]
	if r.SessionID != sessionID {
		t.Errorf("SessionID = %q, want %q", r.SessionID, sessionID)
	}
	if r.HostID != "pirate" || r.Voice != "Fenrir" {
		t.Errorf("host = %q/%q, want pirate/Fenrir", r.HostID, r.Voice)
	}
	if r.Topic != "oceans" || r.Difficulty != trivia.Hard {
		t.Errorf("settings = %q/%q, want oceans/hard", r.Topic, r.Difficulty)
	}
	if r.Score != (trivia.Score{Player: 2, AI: 1}) {
		t.Errorf("Score = %+v, want {2 1}", r.Score)
	}
	if r.Winner() != "player" {
		t.Errorf("Winner() = %q, want player", r.Winner())
	}
	if r.EndedAt.Before(r.StartedAt) {
		t.Errorf("EndedAt %v before StartedAt %v", r.EndedAt, r.StartedAt)
	}
}

func TestGame_ZeroScoreNotSaved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.connect(t)
	h.app.Manager().Disconnect()
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := h.store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("saved %d results, want 0", len(got))
	}
}

func TestGame_FailedConnectNotSaved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.provider.ConnectErr = s2s.ErrUnauthenticated
	if err := h.app.Manager().Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, _ := h.store.Recent(context.Background(), 10)
	if len(got) != 0 {
		t.Errorf("saved %d results, want 0", len(got))
	}
}

func TestGame_BoardResetOnReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	sess := h.connect(t)
	sess.Emit(scoreCall("c1", 4, 4))
	waitFor(t, "score 4:4", func() bool {
		return h.app.Scoreboard().Score() == trivia.Score{Player: 4, AI: 4}
	})
	h.app.Manager().Disconnect()

	h.connect(t)
	if got := h.app.Scoreboard().Score(); !got.Zero() {
		t.Errorf("score after reconnect = %+v, want zero", got)
	}
}

// ── Status endpoints ─────────────────────────────────────────────────────────

func TestStatus_ReportsSessionAndScore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	srv := httptest.NewServer(h.app.Handler())
	t.Cleanup(srv.Close)

	var before struct {
		State string `json:"state"`
		Host  string `json:"host"`
	}
	if code := getJSON(t, srv, "/status", &before); code != http.StatusOK {
		t.Fatalf("/status code = %d, want 200", code)
	}
	if before.State != "disconnected" || before.Host != "Captain Barnacle" {
		t.Errorf("before = %+v, want disconnected/Captain Barnacle", before)
	}

	sess := h.connect(t)
	sess.Emit(scoreCall("c1", 3, 1))
	waitFor(t, "score 3:1", func() bool {
		return h.app.Scoreboard().Score() == trivia.Score{Player: 3, AI: 1}
	})

	var after struct {
		State     string       `json:"state"`
		SessionID string       `json:"session_id"`
		Score     trivia.Score `json:"score"`
	}
	getJSON(t, srv, "/status", &after)
	if after.State != "connected" || after.SessionID == "" {
		t.Errorf("after = %+v, want connected with a session id", after)
	}
	if after.Score != (trivia.Score{Player: 3, AI: 1}) {
		t.Errorf("score = %+v, want {3 1}", after.Score)
	}
}

func TestReadyz_FailsAfterSurfacedError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	srv := httptest.NewServer(h.app.Handler())
	t.Cleanup(srv.Close)

	if code := getJSON(t, srv, "/readyz", nil); code != http.StatusOK {
		t.Errorf("/readyz before error = %d, want 200", code)
	}

	h.mics.OpenError = errors.New("no capture device")
	_ = h.app.Manager().Connect(context.Background())

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := getJSON(t, srv, "/readyz", &body); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz after error = %d, want 503", code)
	}
	if want := "fail: microphone unavailable"; body.Checks["session"] != want {
		t.Errorf("session check = %q, want %q", body.Checks["session"], want)
	}
}

func TestResults_Report(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	srv := httptest.NewServer(h.app.Handler())
	t.Cleanup(srv.Close)

	var empty []results.GameResult
	if code := getJSON(t, srv, "/results", &empty); code != http.StatusOK {
		t.Fatalf("/results code = %d, want 200", code)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("/results = %v, want empty array", empty)
	}

	now := time.Now()
	_, err := h.store.Save(context.Background(), results.GameResult{
		HostID:    "pirate",
		Score:     trivia.Score{Player: 1, AI: 5},
		StartedAt: now.Add(-time.Minute),
		EndedAt:   now,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got []results.GameResult
	getJSON(t, srv, "/results", &got)
	if len(got) != 1 || got[0].Winner() != "host" {
		t.Errorf("/results = %+v, want one host win", got)
	}
}

func TestMetrics_Served(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	srv := httptest.NewServer(h.app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics code = %d, want 200", resp.StatusCode)
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_ConnectFailureReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.provider.ConnectErr = s2s.ErrMissingCredential

	err := h.app.Run(context.Background())
	var rtErr *realtime.Error
	if !errors.As(err, &rtErr) {
		t.Fatalf("Run() = %v, want *realtime.Error", err)
	}
	if rtErr.Msg != "missing API key" {
		t.Errorf("Msg = %q, want %q", rtErr.Msg, "missing API key")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	waitFor(t, "connected", h.app.Manager().Connected)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.app.Manager().Status().State != realtime.Disconnected {
		t.Errorf("state after Run = %v, want disconnected", h.app.Manager().Status().State)
	}
}

func TestRun_SessionLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(context.Background()) }()

	waitFor(t, "connected", h.app.Manager().Connected)
	h.provider.Last().Finish(errors.New("upstream went away"))

	select {
	case err := <-done:
		if !errors.Is(err, app.ErrSessionEnded) {
			t.Errorf("Run() = %v, want ErrSessionEnded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after session loss")
	}
}

func TestRun_CleanServerClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(context.Background()) }()

	waitFor(t, "connected", h.app.Manager().Connected)
	h.provider.Last().Finish(nil)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after server close")
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.connect(t)

	ctx := context.Background()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if !h.mics.Last().Closed() || !h.outputs.Last().Closed() {
		t.Error("devices not released by Shutdown")
	}
}

// ── Config watch ─────────────────────────────────────────────────────────────

func TestRun_WatchesLogLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(level string, step int) {
		t.Helper()
		content := "server:\n  log_level: " + level + "\ngame:\n  host: robot\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		mt := time.Now().Add(time.Duration(step) * time.Second)
		if err := os.Chtimes(path, mt, mt); err != nil {
			t.Fatal(err)
		}
	}
	write("info", 0)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lv := new(slog.LevelVar)
	a, err := app.New(context.Background(), cfg, &s2smock.Provider{},
		app.WithMicrophones(&audiomock.MicrophoneSource{}),
		app.WithOutputs(&audiomock.OutputFactory{}),
		app.WithStore(results.NewMemStore()),
		app.WithLevelVar(lv),
		app.WithConfigWatch(path, config.WithInterval(10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = a.Shutdown(context.Background())
	})

	waitFor(t, "connected", a.Manager().Connected)
	write("debug", 2)
	waitFor(t, "debug level", func() bool { return lv.Level() == slog.LevelDebug })
}
