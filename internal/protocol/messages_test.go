package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"audio_chunk","data":"AQID","sequence":0,"is_final":true,"sample_rate":16000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(AudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want AudioChunk", msg)
	}
	if audio.Sequence != 0 || !audio.IsFinal || audio.SampleRate != 16000 {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
	if len(audio.PCM) != 3 || audio.PCM[0] != 1 {
		t.Fatalf("PCM = %v, want decoded bytes", audio.PCM)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"control","action":"playback_complete","reason":"ended"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(Control)
	if !ok {
		t.Fatalf("message type = %T, want Control", msg)
	}
	if control.Action != ActionPlaybackComplete || control.Reason != "ended" {
		t.Fatalf("unexpected control: %+v", control)
	}
}

func TestParseClientMessageNavigation(t *testing.T) {
	raw := []byte(`{"type":"navigation_command","action":"open","params":{"target":"pricing"}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	nav := msg.(NavigationCommand)
	if nav.Params["target"] != "pricing" {
		t.Fatalf("Params = %v", nav.Params)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := []string{
		`{"type":"audio_chunk","data":"","sequence":1}`,
		`{"type":"audio_chunk","data":"!!!","sequence":1}`,
		`{"type":"audio_chunk","data":"AQID","sequence":-1}`,
		`{"type":"text_input","text":"   "}`,
		`{"type":"navigation_command"}`,
		`{"type":"control","action":"dance"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidMessage", raw, err)
		}
	}
}

func TestParseServerMessageRoundTripResponse(t *testing.T) {
	in := Response{
		Type:           TypeResponse,
		SessionID:      "s1",
		Text:           "hello",
		AudioReference: &AudioReference{ID: "abc", URL: "/v1/audio/abc", Format: "wav", DurationMS: 900},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	out, ok := msg.(Response)
	if !ok || out.AudioReference == nil || out.AudioReference.ID != "abc" {
		t.Fatalf("unexpected response: %#v", msg)
	}
}

func BenchmarkParseClientMessageAudioChunk(b *testing.B) {
	raw := []byte(`{"type":"audio_chunk","data":"AQIDBAUGBwgJCgsMDQ4P","sequence":7,"is_final":false,"sample_rate":16000}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioChunk); !ok {
			b.Fatalf("message type = %T, want AudioChunk", msg)
		}
	}
}
