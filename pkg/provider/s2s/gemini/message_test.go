package gemini

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

func decode(t *testing.T, raw string) *serverMessage {
	t.Helper()
	var msg serverMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &msg
}

func TestToServerMessage_Combined(t *testing.T) {
	t.Parallel()
	msg := decode(t, `{
		"toolCall": {"functionCalls": [{"id": "a", "name": "updateScore", "args": {"playerScore": 1, "aiScore": 0}}]},
		"serverContent": {
			"interrupted": true,
			"turnComplete": true,
			"modelTurn": {"parts": [
				{"text": "thinking"},
				{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "AAE="}},
				{"inlineData": {"mimeType": "image/png", "data": "AAE="}},
				{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "!!!"}}
			]}
		}
	}`)

	out, ok, bad := toServerMessage(msg)
	if !ok {
		t.Fatal("ok = false; want true")
	}
	if bad != 1 {
		t.Errorf("bad parts = %d; want 1", bad)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "a" {
		t.Errorf("ToolCalls = %+v", out.ToolCalls)
	}
	if !out.Interrupted || !out.TurnComplete {
		t.Errorf("flags = interrupted:%v turnComplete:%v", out.Interrupted, out.TurnComplete)
	}
	if len(out.Audio) != 1 || len(out.Audio[0]) != 2 {
		t.Errorf("Audio = %v; want one 2-byte chunk", out.Audio)
	}
}

func TestToServerMessage_SetupCompleteOnly(t *testing.T) {
	t.Parallel()
	if _, ok, _ := toServerMessage(decode(t, `{"setupComplete": {}}`)); ok {
		t.Error("setupComplete alone should not produce a consumer message")
	}
}

func TestBuildSetup_OmitsEmptyFields(t *testing.T) {
	t.Parallel()
	msg := buildSetup("m", false, s2s.SessionConfig{})
	if msg.Setup.SystemInstruction != nil || msg.Setup.GenerationConfig.SpeechConfig != nil || msg.Setup.Tools != nil {
		t.Errorf("expected empty optional fields, got %+v", msg.Setup)
	}
	if msg.Setup.InputAudioTranscription != nil {
		t.Error("transcription should be off by default")
	}
}
