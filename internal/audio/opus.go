package audio

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples is the largest frame Opus allows per channel:
// 120 ms at 48 kHz.
const maxOpusFrameSamples = 5760

// OpusDecoder decodes one speaker's Opus packet stream to raw PCM-16.
// Opus decoders carry inter-frame prediction state, so each speaker
// stream needs its own instance. Decode is safe for concurrent use.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
	mu       sync.Mutex
}

// NewOpusDecoder creates a decoder for the given session format
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		pcm:      make([]int16, maxOpusFrameSamples*channels),
	}, nil
}

// Decode decodes a single Opus packet into little-endian PCM-16 bytes
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus packet: %w", err)
	}

	samples := d.pcm[:n*d.channels]
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}

	return out, nil
}
