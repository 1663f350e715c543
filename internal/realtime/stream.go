package realtime

import (
	"context"
	"fmt"

	"github.com/MrWong99/triviahost/pkg/audio"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// ── Outbound ──────────────────────────────────────────────────────────────────

// pump encodes microphone blocks and sends them in capture order. Blocks that
// arrive while the session is not connected are skipped, never queued.
func (m *Manager) pump(ctx context.Context, sess *session, frames <-chan []float32) {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-frames:
			if !ok {
				if m.current(sess) {
					m.log.Error("realtime: microphone stopped delivering audio", "session_id", sess.id)
					m.teardown(sess, msgMicUnavailable)
				}
				return
			}
			if !m.streaming(sess) {
				m.metrics.RecordFrameDropped(ctx, "stale")
				if !m.current(sess) {
					return
				}
				continue
			}

			level := audio.Level(block)
			m.updateLevels(func(l *Levels) { l.Input = level })

			if err := sess.handle.SendAudio(ctx, audio.EncodePCM16(block)); err != nil {
				if !m.current(sess) {
					return
				}
				cls := Classify(StepSend, err)
				m.metrics.RecordFrameDropped(ctx, "send")
				if !failing {
					m.log.Warn("realtime: dropping audio frame", "session_id", sess.id, "kind", cls.Kind.String(), "err", err)
				} else {
					m.log.Debug("realtime: dropping audio frame", "session_id", sess.id, "err", err)
				}
				failing = true
				continue
			}
			if failing {
				m.log.Info("realtime: audio frames flowing again", "session_id", sess.id)
				failing = false
			}
			m.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// read handles inbound messages in arrival order until the channel closes or
// the session ends.
func (m *Manager) read(ctx context.Context, sess *session, msgs <-chan s2s.ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				m.channelClosed(sess, sess.handle)
				return
			}
			if !m.current(sess) {
				return
			}
			m.handleMessage(ctx, sess, msg)
		}
	}
}

// handleMessage processes tool calls, then the interrupted flag, then audio.
func (m *Manager) handleMessage(ctx context.Context, sess *session, msg s2s.ServerMessage) {
	if len(msg.ToolCalls) > 0 {
		m.handleToolCalls(ctx, sess, msg.ToolCalls)
	}
	if msg.Interrupted {
		m.interrupt(ctx, sess)
	}
	for _, chunk := range msg.Audio {
		m.playChunk(ctx, sess, chunk)
	}
	if msg.InputTranscript != "" {
		m.log.Debug("realtime: player said", "session_id", sess.id, "text", msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		m.log.Debug("realtime: host said", "session_id", sess.id, "text", msg.OutputTranscript)
	}
}

// playChunk decodes one PCM payload and places it on the timeline.
func (m *Manager) playChunk(ctx context.Context, sess *session, chunk []byte) {
	if !m.current(sess) {
		m.metrics.RecordBufferDropped(ctx, "stale")
		return
	}

	buf, err := audio.DecodePCM16(chunk, m.format.OutputSampleRate, 1)
	if err != nil {
		cls := Classify(StepDecode, err)
		m.metrics.RecordBufferDropped(ctx, "decode")
		m.log.Warn("realtime: dropping audio chunk", "session_id", sess.id, "kind", cls.Kind.String(), "err", err)
		return
	}
	if buf.Frames() == 0 {
		return
	}

	m.mu.Lock()
	if m.gen != sess.gen || sess.voices == nil {
		m.mu.Unlock()
		m.metrics.RecordBufferDropped(ctx, "stale")
		return
	}
	prev := sess.timeline
	start := sess.timeline.place(sess.out.Now(), buf.Duration())
	id := sess.nextVoice
	sess.nextVoice++
	voice, err := sess.out.Schedule(buf, start, func() { m.voiceEnded(sess, id) })
	if err != nil {
		sess.timeline = prev
		m.mu.Unlock()
		m.metrics.RecordBufferDropped(ctx, "schedule")
		m.log.Warn("realtime: could not schedule audio", "session_id", sess.id, "err", err)
		return
	}
	sess.voices[id] = voice
	m.mu.Unlock()

	m.metrics.BuffersScheduled.Add(ctx, 1)
	m.metrics.PlaybackSeconds.Add(ctx, buf.Duration().Seconds())
	level := audio.Level(buf.Channels[0])
	m.updateLevels(func(l *Levels) { l.Output = level })
}

// voiceEnded removes a finished voice from the active set.
func (m *Manager) voiceEnded(sess *session, id uint64) {
	m.mu.Lock()
	if m.gen != sess.gen || sess.voices == nil {
		m.mu.Unlock()
		return
	}
	delete(sess.voices, id)
	idle := len(sess.voices) == 0
	m.mu.Unlock()

	if idle {
		m.updateLevels(func(l *Levels) { l.Output = 0 })
	}
}

// interrupt stops every scheduled voice and rewinds the timeline.
func (m *Manager) interrupt(ctx context.Context, sess *session) {
	m.mu.Lock()
	if m.gen != sess.gen || sess.voices == nil {
		m.mu.Unlock()
		return
	}
	voices := sess.voices
	sess.voices = make(map[uint64]audio.Voice)
	sess.timeline.reset()
	for _, v := range voices {
		v.Stop()
	}
	m.mu.Unlock()

	m.metrics.Interruptions.Add(ctx, 1)
	m.log.Debug("realtime: playback interrupted", "session_id", sess.id, "stopped", len(voices))
	m.updateLevels(func(l *Levels) { l.Output = 0 })
}

// ── Tool calls ────────────────────────────────────────────────────────────────

// handleToolCalls runs each invocation and acknowledges it before moving on.
func (m *Manager) handleToolCalls(ctx context.Context, sess *session, calls []s2s.ToolCall) {
	for _, call := range calls {
		m.mu.Lock()
		if m.gen != sess.gen {
			m.mu.Unlock()
			return
		}
		sess.pending[call.ID] = call
		m.mu.Unlock()

		resp, status := m.invoke(sess, call)
		if err := sess.handle.SendToolResponse(ctx, resp); err != nil {
			m.log.Warn("realtime: tool acknowledgement failed",
				"session_id", sess.id, "tool", call.Name, "call_id", call.ID, "err", err)
		}

		m.mu.Lock()
		delete(sess.pending, call.ID)
		m.mu.Unlock()
		m.metrics.RecordToolCall(ctx, call.Name, status)
	}
}

// invoke executes one tool call and builds its acknowledgement.
func (m *Manager) invoke(sess *session, call s2s.ToolCall) (s2s.ToolResponse, string) {
	if call.Name != ToolUpdateScore {
		m.log.Warn("realtime: unknown tool", "session_id", sess.id, "tool", call.Name)
		return ackError(call, fmt.Errorf("unknown tool %q", call.Name)), "unknown"
	}
	score, err := parseScore(call.Args)
	if err != nil {
		m.log.Warn("realtime: rejected score update", "session_id", sess.id, "call_id", call.ID, "err", err)
		return ackError(call, err), "invalid"
	}
	if m.onScore != nil {
		m.onScore(score)
	}
	m.log.Info("realtime: score updated", "session_id", sess.id, "player", score.Player, "ai", score.AI)
	return ackOK(call), "ok"
}

// pendingCalls returns the number of tool calls awaiting acknowledgement.
func (m *Manager) pendingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return len(m.sess.pending)
}
