package voice

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newElevenLabsTestServer(t *testing.T, handle func(r *http.Request, conn *websocket.Conn)) *ElevenLabsProvider {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(r, conn)
	}))
	t.Cleanup(srv.Close)

	return NewElevenLabsProvider(ElevenLabsConfig{
		APIKey:    "test-key",
		WSBaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
}

func TestElevenLabsSTTCommitsTranscript(t *testing.T) {
	provider := newElevenLabsTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		if got := r.URL.Query().Get("language_code"); got != "ru" {
			t.Errorf("language_code = %q, want ru", got)
		}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["commit"] == true {
				_ = conn.WriteJSON(map[string]any{"message_type": "committed_transcript", "text": "привет"})
				continue
			}
			_ = conn.WriteJSON(map[string]any{"message_type": "partial_transcript", "text": "при"})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	session, events, err := provider.StartSession(ctx, STTSessionConfig{SessionID: "s1", Language: "ru-RU"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	defer session.Close()

	if err := session.SendAudioChunk(ctx, []byte{1, 2}, 0, false); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	if err := session.SendAudioChunk(ctx, []byte{3, 4}, 0, true); err != nil {
		t.Fatalf("SendAudioChunk(commit) error = %v", err)
	}

	for {
		select {
		case evt := <-events:
			if evt.Type == STTEventCommitted {
				if evt.Text != "привет" {
					t.Fatalf("committed text = %q", evt.Text)
				}
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for committed transcript")
		}
	}
}

func TestElevenLabsTTSReturnsPCM(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{9, 8, 7, 6})
	provider := newElevenLabsTestServer(t, func(r *http.Request, conn *websocket.Conn) {
		if got := r.URL.Query().Get("output_format"); got != "pcm_16000" {
			t.Errorf("output_format = %q, want pcm_16000", got)
		}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["text"] == "" {
				_ = conn.WriteJSON(map[string]any{"audio": audio})
				_ = conn.WriteJSON(map[string]any{"isFinal": true})
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pcm, err := Synthesize(ctx, provider, TTSStreamConfig{VoiceID: "voice-1"}, "hello")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(pcm) != 4 || pcm[0] != 9 {
		t.Fatalf("pcm = %v", pcm)
	}
}

func TestElevenLabsRequiresVoice(t *testing.T) {
	provider := NewElevenLabsProvider(ElevenLabsConfig{})
	if _, err := provider.StartStream(context.Background(), TTSStreamConfig{}); err == nil {
		t.Fatalf("StartStream() without voice expected error")
	}
}
