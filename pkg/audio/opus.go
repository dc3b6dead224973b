package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the Opus frame duration the transport negotiates. 20 ms is
// the codec's sweet spot for voice.
const opusFrameMs = 20

// OpusDecoder decodes an Opus packet stream into PCM. Each remote stream
// needs its own decoder so codec state carries across consecutive packets.
type OpusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewOpusDecoder creates a decoder producing PCM in the given format.
func NewOpusDecoder(f Format) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:       dec,
		frameSize: f.SampleRate * opusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into interleaved little-endian int16 PCM.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// OpusEncoder encodes PCM into an Opus packet stream.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
}

// NewOpusEncoder creates an encoder consuming PCM in the given format.
func NewOpusEncoder(f Format) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		frameSize: f.SampleRate * opusFrameMs / 1000,
	}, nil
}

// Encode encodes one frame of interleaved little-endian int16 PCM into an
// Opus packet.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(bytesToInt16s(pcm), e.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
