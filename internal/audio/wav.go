// Package audio handles the 16-bit mono PCM the service exchanges and its WAV
// container.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

const (
	DefaultSampleRate = 16000
	wavHeaderSize     = 44
	bitsPerSample     = 16
)

var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// Format describes decoded WAV audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	_ = WriteWAVPCM16LETo(&buf, pcm, sampleRate)
	return buf.Bytes()
}

// WriteWAVPCM16LEFile atomically writes raw PCM16LE mono audio as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	return renameio.WriteFile(path, EncodeWAVPCM16LE(pcm, sampleRate), 0o644)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	const channels = 1
	blockAlign := channels * bitsPerSample / 8

	var h [wavHeaderSize]byte
	le := binary.LittleEndian
	copy(h[0:], "RIFF")
	le.PutUint32(h[4:], uint32(36+len(pcm)))
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	le.PutUint32(h[16:], 16)
	le.PutUint16(h[20:], 1) // PCM
	le.PutUint16(h[22:], channels)
	le.PutUint32(h[24:], uint32(sampleRate))
	le.PutUint32(h[28:], uint32(sampleRate*blockAlign))
	le.PutUint16(h[32:], uint16(blockAlign))
	le.PutUint16(h[34:], bitsPerSample)
	copy(h[36:], "data")
	le.PutUint32(h[40:], uint32(len(pcm)))

	if _, err := out.Write(h[:]); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// DecodeWAV returns the PCM payload of a WAV stream. Chunks other than
// "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	le := binary.LittleEndian
	var (
		format  Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(le.Uint32(data[off+4:]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Streamed WAVs may carry a bogus data size; take the rest.
				size = len(data) - body
			} else {
				return nil, Format{}, fmt.Errorf("wav chunk %q overruns input", id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("wav fmt chunk too short: %d", size)
			}
			if tag := le.Uint16(data[body:]); tag != 1 {
				return nil, Format{}, fmt.Errorf("unsupported wav encoding %d", tag)
			}
			format = Format{
				Channels:      int(le.Uint16(data[body+2:])),
				SampleRate:    int(le.Uint32(data[body+4:])),
				BitsPerSample: int(le.Uint16(data[body+14:])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, errors.New("wav data chunk before fmt chunk")
			}
			return data[body : body+size], format, nil
		}
		off = body + size + size%2
	}
	return nil, Format{}, errors.New("wav data chunk missing")
}

// Duration of PCM16LE mono audio at sampleRate.
func Duration(pcmLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := pcmLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Split cuts pcm into chunks of at most size bytes, keeping sample alignment.
func Split(pcm []byte, size int) [][]byte {
	if size <= 1 {
		size = 2
	}
	size -= size % 2
	var out [][]byte
	for len(pcm) > size {
		out = append(out, pcm[:size])
		pcm = pcm[size:]
	}
	if len(pcm) > 0 {
		out = append(out, pcm)
	}
	return out
}

// ReadWAVFile loads a WAV file and returns its PCM payload.
func ReadWAVFile(path string) ([]byte, Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Format{}, err
	}
	return DecodeWAV(data)
}
