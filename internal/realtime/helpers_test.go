package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/triviahost/internal/observe"
	"github.com/MrWong99/triviahost/internal/trivia"
	"github.com/MrWong99/triviahost/pkg/audio"
	audiomock "github.com/MrWong99/triviahost/pkg/audio/mock"
	s2smock "github.com/MrWong99/triviahost/pkg/provider/s2s/mock"
)

// fixture wires a Manager to mock devices and a mock provider.
type fixture struct {
	provider *s2smock.Provider
	mics     *audiomock.MicrophoneSource
	outputs  *audiomock.OutputFactory
	reader   *sdkmetric.ManualReader
	mgr      *Manager

	mu     sync.Mutex
	scores []trivia.Score
	levels []Levels
	states []Status
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		provider: &s2smock.Provider{},
		mics:     &audiomock.MicrophoneSource{},
		outputs:  &audiomock.OutputFactory{},
		reader:   reader,
	}
	all := []Option{
		WithMetrics(met),
		WithScoreFunc(func(s trivia.Score) {
			f.mu.Lock()
			f.scores = append(f.scores, s)
			f.mu.Unlock()
		}),
		WithLevelFunc(func(l Levels) {
			f.mu.Lock()
			f.levels = append(f.levels, l)
			f.mu.Unlock()
		}),
		WithStateFunc(func(s Status) {
			f.mu.Lock()
			f.states = append(f.states, s)
			f.mu.Unlock()
		}),
	}
	f.mgr = New(f.provider, f.mics, f.outputs, Config{Instructions: "be a quiz host", Voice: "Puck"}, append(all, opts...)...)
	t.Cleanup(f.mgr.Disconnect)
	return f
}

// connect runs Connect and returns the session, output and microphone it acquired.
func (f *fixture) connect(t *testing.T) (*s2smock.Session, *audiomock.OutputContext, *audiomock.Microphone) {
	t.Helper()
	if err := f.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !f.mgr.Connected() {
		t.Fatalf("state = %v, want connected", f.mgr.Status().State)
	}
	return f.provider.Last(), f.outputs.Last(), f.mics.Last()
}

func (f *fixture) recordedScores() []trivia.Score {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trivia.Score(nil), f.scores...)
}

func (f *fixture) recordedLevels() []Levels {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Levels(nil), f.levels...)
}

func (f *fixture) recordedStates() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.states))
	for i, s := range f.states {
		out[i] = s.State
	}
	return out
}

// counter returns the summed value of an int64 counter across data points.
func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// waitFor polls cond until it holds or two seconds pass.
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

// pcmFor returns s16le mono PCM of duration d at 24 kHz with amplitude 0.25.
func pcmFor(d time.Duration) []byte {
	n := int(int64(d) * defaultOutputRate / int64(time.Second))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.EncodePCM16(samples)
}

func block(n int, v float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// activeVoices returns the size of the active playback set.
func activeVoices(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return len(m.sess.voices)
}

// cursor returns the playback timeline cursor of the active session.
func cursor(m *Manager) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return m.sess.timeline.cursor
}
