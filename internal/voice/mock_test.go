package voice

import (
	"context"
	"testing"
)

func TestMockSTTEchoesPrintableText(t *testing.T) {
	ctx := context.Background()
	session, events, err := NewMockProvider().StartSession(ctx, STTSessionConfig{SessionID: "s1", Language: "ru-RU"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer session.Close()

	if err := session.SendAudioChunk(ctx, []byte("привет "), 16000, false); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := session.SendAudioChunk(ctx, []byte("мир"), 16000, true); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}

	var committed STTEvent
	for evt := range events {
		if evt.Type == STTEventCommitted {
			committed = evt
			break
		}
	}
	if committed.Text != "привет мир" {
		t.Fatalf("committed text = %q, want %q", committed.Text, "привет мир")
	}
	if committed.Confidence <= 0.9 {
		t.Fatalf("committed confidence = %v, want > 0.9", committed.Confidence)
	}
}

func TestMockSTTFallsBackForBinaryAudio(t *testing.T) {
	ctx := context.Background()
	session, events, _ := NewMockProvider().StartSession(ctx, STTSessionConfig{})
	defer session.Close()

	if err := session.SendAudioChunk(ctx, []byte{0x00, 0xff, 0x10, 0x80}, 16000, true); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	for evt := range events {
		if evt.Type == STTEventCommitted {
			if evt.Text != mockFallbackTranscript {
				t.Fatalf("committed text = %q, want %q", evt.Text, mockFallbackTranscript)
			}
			return
		}
	}
	t.Fatalf("no committed event")
}

func TestMockTTSProducesSilenceProportionalToText(t *testing.T) {
	mock := NewMockProvider()
	short, err := Synthesize(context.Background(), mock, TTSStreamConfig{}, "hi")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	long, err := Synthesize(context.Background(), mock, TTSStreamConfig{}, "hello there")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(long) <= len(short) {
		t.Fatalf("len(long) = %d, want > len(short) = %d", len(long), len(short))
	}
	if len(short)%2 != 0 {
		t.Fatalf("pcm length %d is not 16-bit aligned", len(short))
	}
}
