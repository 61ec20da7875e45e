package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ent0n29/voxgate/internal/audio"
	"github.com/ent0n29/voxgate/internal/protocol"
)

// Capture yields one utterance as PCM16LE chunks and io.EOF at the end.
type Capture interface {
	Read(ctx context.Context) ([]byte, error)
	SampleRate() int
}

// Player renders a reply and returns once playback has finished.
type Player interface {
	Play(ctx context.Context, ref protocol.AudioReference) error
}

// WAVFileCapture replays a WAV file as if it came from a microphone.
type WAVFileCapture struct {
	chunks   [][]byte
	rate     int
	interval time.Duration
	next     int
}

// NewWAVFileCapture splits path into chunkMS slices. With realtime set, Read
// paces chunks at their natural duration.
func NewWAVFileCapture(path string, chunkMS int, realtime bool) (*WAVFileCapture, error) {
	pcm, format, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewPCMCapture(pcm, format.SampleRate, chunkMS, realtime), nil
}

func NewPCMCapture(pcm []byte, sampleRate, chunkMS int, realtime bool) *WAVFileCapture {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if chunkMS <= 0 {
		chunkMS = 100
	}
	c := &WAVFileCapture{
		chunks: audio.Split(pcm, sampleRate*2*chunkMS/1000),
		rate:   sampleRate,
	}
	if realtime {
		c.interval = time.Duration(chunkMS) * time.Millisecond
	}
	return c
}

func (c *WAVFileCapture) SampleRate() int { return c.rate }

func (c *WAVFileCapture) Read(ctx context.Context) ([]byte, error) {
	if c.next >= len(c.chunks) {
		return nil, io.EOF
	}
	if c.interval > 0 && c.next > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval):
		}
	}
	chunk := c.chunks[c.next]
	c.next++
	return chunk, nil
}

// FilePlayer fetches reply audio and writes it under Dir. With Pace set it
// also waits for the clip's duration, standing in for a speaker.
type FilePlayer struct {
	API  *API
	Dir  string
	Pace bool
}

func (p *FilePlayer) Play(ctx context.Context, ref protocol.AudioReference) error {
	data, err := p.API.FetchAudio(ctx, ref.URL)
	if err != nil {
		return err
	}
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("decode reply audio: %w", err)
	}
	if p.Dir != "" {
		if err := os.MkdirAll(p.Dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(p.Dir, ref.ID+".wav")
		if err := audio.WriteWAVPCM16LEFile(path, pcm, format.SampleRate); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if p.Pace {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(audio.Duration(len(pcm), format.SampleRate)):
		}
	}
	return nil
}
