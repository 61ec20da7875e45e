package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/reliability"
)

type fakeTransport struct {
	frames chan protocol.Frame
	mu     sync.Mutex
	sent   []protocol.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan protocol.Frame, 32)}
}

func (f *fakeTransport) Send(_ context.Context, frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Frames() <-chan protocol.Frame { return f.frames }

func (f *fakeTransport) Sent() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.sent...)
}

func (f *fakeTransport) push(frames ...protocol.Frame) {
	for _, fr := range frames {
		f.frames <- fr
	}
}

type recordingPlayer struct {
	mu     sync.Mutex
	played []string
}

func (p *recordingPlayer) Play(_ context.Context, ref protocol.AudioReference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, ref.ID)
	return nil
}

func status(phase, message string) protocol.Status {
	return protocol.Status{Type: protocol.TypeStatus, Phase: phase, Message: message}
}

func TestAskPlaysReplyAndReturnsToIdle(t *testing.T) {
	tr := newFakeTransport()
	player := &recordingPlayer{}
	loop := NewLoop(tr, LoopOptions{Player: player, Logger: zerolog.Nop()})

	tr.push(
		status("idle", ""), // left over from connect
		protocol.Transcription{Type: protocol.TypeTranscription, Text: "hi", IsFinal: true, Confidence: 1},
		status("processing", ""),
		protocol.Response{Type: protocol.TypeResponse, Text: "Hello!", AudioReference: &protocol.AudioReference{ID: "a1"}},
		status("speaking", ""),
		status("idle", ""),
	)

	res, err := loop.Ask(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, "hi", res.Transcript.Text)
	require.Equal(t, "Hello!", res.Response.Text)
	require.Equal(t, []string{"a1"}, player.played)
	require.IsType(t, Idle{}, loop.State())
	require.Equal(t, "idle", loop.ServerPhase())

	sent := tr.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "hi", sent[0].(protocol.TextInput).Text)
	require.Equal(t, protocol.ActionPlaybackComplete, sent[1].(protocol.Control).Action)
}

func TestLoopRejectsDoubleStart(t *testing.T) {
	tr := newFakeTransport()
	loop := NewLoop(tr, LoopOptions{Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() {
		_, err := loop.Ask(context.Background(), "first")
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := loop.State().(AwaitingTurn)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := loop.Ask(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
	_, err = loop.Say(context.Background(), NewPCMCapture([]byte("xx"), 16000, 100, false))
	require.ErrorIs(t, err, ErrBusy)

	tr.push(protocol.Response{Type: protocol.TypeResponse, Text: "ok"}, status("idle", ""))
	require.NoError(t, <-done)
	require.IsType(t, Idle{}, loop.State())
}

func TestLoopBacksOffAfterServerError(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := newFakeTransport()
	loop := NewLoop(tr, LoopOptions{
		ErrorBackoff: 2 * time.Second,
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return now },
	})

	tr.push(protocol.Error{Type: protocol.TypeError, Code: string(reliability.KindProviderUnavailable), Message: "down"})
	_, err := loop.Ask(context.Background(), "hello")
	require.ErrorIs(t, err, reliability.ErrProviderUnavailable)
	backoff, ok := loop.State().(ErrorBackoff)
	require.True(t, ok)
	require.Equal(t, now.Add(2*time.Second), backoff.Until)

	_, err = loop.Ask(context.Background(), "again")
	require.ErrorIs(t, err, ErrBackingOff)

	now = now.Add(3 * time.Second)
	tr.push(status("idle", ""), protocol.Response{Type: protocol.TypeResponse, Text: "ok"}, status("idle", ""))
	res, err := loop.Ask(context.Background(), "again")
	require.NoError(t, err)
	require.Equal(t, "ok", res.Response.Text)
}

func TestLoopEndsTurnOnNoSpeech(t *testing.T) {
	tr := newFakeTransport()
	loop := NewLoop(tr, LoopOptions{Logger: zerolog.Nop()})
	tr.push(status("listening", ""), status("idle", "no_speech"))

	res, err := loop.Say(context.Background(), NewPCMCapture(make([]byte, 64), 16000, 1, false))
	require.NoError(t, err)
	require.Nil(t, res.Response)
	require.Equal(t, "no_speech", res.EndReason)
}

func TestSayStreamsOrderedChunksAfterCaptureStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utterance.wav")
	pcm := make([]byte, 16000*2/10*3+100) // 300ms plus a tail
	require.NoError(t, audio.WriteWAVPCM16LEFile(path, pcm, 16000))
	capture, err := NewWAVFileCapture(path, 100, false)
	require.NoError(t, err)

	tr := newFakeTransport()
	loop := NewLoop(tr, LoopOptions{Logger: zerolog.Nop()})
	tr.push(protocol.Response{Type: protocol.TypeResponse, Text: "ok"}, status("idle", ""))

	_, err = loop.Say(context.Background(), capture)
	require.NoError(t, err)

	sent := tr.Sent()
	require.Equal(t, protocol.ActionCaptureStart, sent[0].(protocol.Control).Action)
	chunks := sent[1:]
	require.Len(t, chunks, 4)
	total := 0
	for i, f := range chunks {
		c := f.(protocol.AudioChunk)
		require.Equal(t, int64(i), c.Sequence)
		require.Equal(t, i == len(chunks)-1, c.IsFinal)
		total += len(c.PCM)
	}
	require.Equal(t, len(pcm), total)
}

func TestLoopStreamEnded(t *testing.T) {
	tr := newFakeTransport()
	close(tr.frames)
	loop := NewLoop(tr, LoopOptions{Logger: zerolog.Nop()})

	_, err := loop.Ask(context.Background(), "hello")
	require.ErrorIs(t, err, ErrStreamEnded)
	require.IsType(t, ErrorBackoff{}, loop.State())
}
