package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrEmptyAudio is returned when a stream finishes without producing audio.
var ErrEmptyAudio = errors.New("tts stream produced no audio")

// StreamError is a provider-reported failure inside a stream.
type StreamError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("tts stream error %s: %s", e.Code, e.Detail)
}

// Synthesize runs one complete text through a TTS stream and returns the
// concatenated PCM. The text is reduced to its speakable form and sent in
// phrase segments. It returns when the provider signals the final event or
// closes the stream, or when ctx is done.
func Synthesize(ctx context.Context, provider TTSProvider, cfg TTSStreamConfig, text string) ([]byte, error) {
	segments := SegmentForSpeech(SpeakableText(text))
	if len(segments) == 0 {
		return nil, errors.New("tts text is empty")
	}
	stream, err := provider.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start tts stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	for _, seg := range segments {
		if err := stream.SendText(ctx, seg, true); err != nil {
			return nil, fmt.Errorf("send tts text: %w", err)
		}
	}
	if err := stream.CloseInput(ctx); err != nil {
		return nil, fmt.Errorf("close tts input: %w", err)
	}

	var pcm bytes.Buffer
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return finish(pcm.Bytes())
			}
			switch evt.Type {
			case TTSEventAudio:
				pcm.Write(evt.Audio)
			case TTSEventFinal:
				return finish(pcm.Bytes())
			case TTSEventError:
				return nil, &StreamError{Code: evt.Code, Detail: evt.Detail, Retryable: evt.Retryable}
			}
		}
	}
}

func finish(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return pcm, nil
}
